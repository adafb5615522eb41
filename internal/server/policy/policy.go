// Package policy decides whether a candidate file may join an upload
// session. Evaluation is pure: it reads only its arguments.
package policy

import (
	"errors"
	"fmt"

	"accession/internal/server/session"
)

// Kind is the machine-readable reason a file was rejected.
type Kind string

const (
	KindNone              Kind = ""
	KindSessionInactive   Kind = "session_inactive"
	KindTooManyFiles      Kind = "too_many_files"
	KindFileTooLarge      Kind = "file_too_large"
	KindTotalSizeExceeded Kind = "total_size_exceeded"
	KindTypeNotAllowed    Kind = "file_type_not_allowed"
	KindDuplicateName     Kind = "duplicate_name"

	// Scanner outcomes. These never come out of Evaluate.
	KindScanPending     Kind = "scan_pending"
	KindScanFailed      Kind = "scan_failed"
	KindMalwareDetected Kind = "malware_detected"
)

// Limits are the configured per-session maxima.
type Limits struct {
	MaxFileCount int
	MaxFileSize  int64
	MaxTotalSize int64
	Groups       Groups
}

// Candidate is the file being offered.
type Candidate struct {
	Name string
	Size int64
}

// Snapshot is the session state the candidate is checked against.
type Snapshot struct {
	Status    session.Status
	FileCount int
	TotalSize int64
	Names     map[string]struct{}
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Accepted bool
	Kind     Kind
	Message  string
}

// Accept is the accepting decision.
var Accept = Decision{Accepted: true}

// Err returns nil for accepted decisions and a *RejectionError otherwise.
func (d Decision) Err() error {
	if d.Accepted {
		return nil
	}
	return &RejectionError{Kind: d.Kind, Message: d.Message}
}

// RejectionError carries both the kind and the donor-facing message.
type RejectionError struct {
	Kind    Kind
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("file rejected (%s): %s", e.Kind, e.Message)
}

// Reject builds a rejection error for kinds decided outside Evaluate.
func Reject(kind Kind, format string, args ...any) *RejectionError {
	return &RejectionError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsRejection unwraps err into a *RejectionError if it is one.
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

func reject(kind Kind, format string, args ...any) Decision {
	return Decision{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Evaluate applies the rules in order; the first failing rule wins.
func Evaluate(c Candidate, s Snapshot, l Limits) Decision {
	if !s.Status.Mutable() {
		return reject(KindSessionInactive,
			"This upload session is no longer accepting files.")
	}
	if s.FileCount+1 > l.MaxFileCount {
		return reject(KindTooManyFiles,
			"You can upload at most %d files.", l.MaxFileCount)
	}
	if c.Size > l.MaxFileSize {
		return reject(KindFileTooLarge,
			"%q is %s, larger than the %s limit for a single file.",
			c.Name, HumanizeBytes(c.Size), HumanizeBytes(l.MaxFileSize))
	}
	if s.TotalSize+c.Size > l.MaxTotalSize {
		return reject(KindTotalSizeExceeded,
			"Adding %q would bring this upload to %s, over the %s total limit.",
			c.Name, HumanizeBytes(s.TotalSize+c.Size), HumanizeBytes(l.MaxTotalSize))
	}
	if !l.Groups.Allows(c.Name) {
		return reject(KindTypeNotAllowed,
			"Files of type %q are not accepted. Accepted types: %s.",
			Extension(c.Name), l.Groups.Describe())
	}
	if _, dup := s.Names[c.Name]; dup {
		return reject(KindDuplicateName,
			"A file named %q has already been uploaded.", c.Name)
	}
	return Accept
}

// CheckTotals re-validates the count and aggregate invariants of a
// session that already holds its files.
func CheckTotals(s Snapshot, l Limits) Decision {
	if s.FileCount > l.MaxFileCount {
		return reject(KindTooManyFiles,
			"This upload holds %d files; at most %d are allowed.", s.FileCount, l.MaxFileCount)
	}
	if s.TotalSize > l.MaxTotalSize {
		return reject(KindTotalSizeExceeded,
			"This upload holds %s, over the %s total limit.",
			HumanizeBytes(s.TotalSize), HumanizeBytes(l.MaxTotalSize))
	}
	return Accept
}

// HumanizeBytes formats a byte count into a human-readable string.
func HumanizeBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
