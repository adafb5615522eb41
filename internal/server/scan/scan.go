// Package scan inspects accepted files for malicious content before they
// are recorded in a session.
package scan

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// Verdict is the outcome of a completed scan.
type Verdict struct {
	Clean  bool
	Reason string
}

// Clean is the verdict for files with no findings.
var Clean = Verdict{Clean: true}

func infected(format string, args ...any) Verdict {
	return Verdict{Reason: fmt.Sprintf(format, args...)}
}

// ErrUnavailable marks scanner failures that are not verdicts.
var ErrUnavailable = errors.New("scanner unavailable")

// Scanner inspects a stored file. A returned error means no verdict was
// reached; context.DeadlineExceeded means the scan is still pending.
type Scanner interface {
	Scan(ctx context.Context, name string, r io.ReaderAt, size int64) (Verdict, error)
}

// NopScanner accepts everything. Used when scanning is disabled.
type NopScanner struct{}

func (NopScanner) Scan(context.Context, string, io.ReaderAt, int64) (Verdict, error) {
	return Clean, nil
}

// dangerousExtensions are executable file extensions that are blocked
// both as uploads and inside uploaded archives.
var dangerousExtensions = map[string]bool{
	".exe": true, ".bat": true, ".cmd": true, ".com": true,
	".scr": true, ".pif": true, ".vbs": true, ".vbe": true,
	".wsf": true, ".wsh": true, ".msi": true, ".hta": true,
	".lnk": true, ".cpl": true, ".inf": true, ".reg": true,
	".js": true, ".jse": true, ".ps1": true, ".dll": true,
}

// eicar is the standard anti-malware test signature.
var eicar = []byte(`X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`)

// maxArchiveEntries bounds the work done on a single archive.
const maxArchiveEntries = 10000

// ContentScanner is an in-process scanner: extension deny-list, EICAR
// signature search and ZIP archive inspection.
type ContentScanner struct {
	// MaxScanBytes bounds the signature search. Zero scans everything.
	MaxScanBytes int64
}

// NewContentScanner returns a scanner that searches the first limit bytes.
func NewContentScanner(limit int64) *ContentScanner {
	return &ContentScanner{MaxScanBytes: limit}
}

// Scan implements Scanner.
func (s *ContentScanner) Scan(ctx context.Context, name string, r io.ReaderAt, size int64) (Verdict, error) {
	if ext := strings.ToLower(filepath.Ext(name)); dangerousExtensions[ext] {
		return infected("blocked executable type %s", ext), nil
	}

	found, err := s.containsSignature(ctx, r, size)
	if err != nil {
		return Verdict{}, err
	}
	if found {
		return infected("matched EICAR test signature"), nil
	}

	isZip, err := hasZipMagic(r, size)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if isZip {
		return inspectZip(ctx, r, size)
	}
	return Clean, nil
}

// containsSignature streams the content in chunks, keeping an overlap so a
// signature that straddles two chunks is still found.
func (s *ContentScanner) containsSignature(ctx context.Context, r io.ReaderAt, size int64) (bool, error) {
	limit := size
	if s.MaxScanBytes > 0 && limit > s.MaxScanBytes {
		limit = s.MaxScanBytes
	}

	const chunk = 64 * 1024
	overlap := len(eicar) - 1
	buf := make([]byte, chunk+overlap)
	carried := 0

	for off := int64(0); off < limit; off += chunk {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		n, err := r.ReadAt(buf[carried:carried+int(min(chunk, limit-off))], off)
		if err != nil && err != io.EOF {
			return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		window := buf[:carried+n]
		if bytes.Contains(window, eicar) {
			return true, nil
		}
		carried = min(overlap, len(window))
		copy(buf, window[len(window)-carried:])
	}
	return false, nil
}

// hasZipMagic checks that data starts with a ZIP signature (PK\x03\x04 or
// the empty-archive PK\x05\x06).
func hasZipMagic(r io.ReaderAt, size int64) (bool, error) {
	if size < 4 {
		return false, nil
	}
	head := make([]byte, 4)
	if _, err := r.ReadAt(head, 0); err != nil && err != io.EOF {
		return false, err
	}
	if head[0] == 0x50 && head[1] == 0x4B {
		if (head[2] == 0x03 && head[3] == 0x04) || // local file header
			(head[2] == 0x05 && head[3] == 0x06) { // empty archive
			return true, nil
		}
	}
	return false, nil
}

// inspectZip opens the archive and blocks dangerous entries. An archive
// that claims to be ZIP but cannot be read is treated as infected.
func inspectZip(ctx context.Context, r io.ReaderAt, size int64) (Verdict, error) {
	reader, err := zip.NewReader(r, size)
	if err != nil {
		return infected("corrupt archive: %v", err), nil
	}
	if len(reader.File) > maxArchiveEntries {
		return infected("archive has %d entries, more than %d", len(reader.File), maxArchiveEntries), nil
	}

	for _, f := range reader.File {
		if err := ctx.Err(); err != nil {
			return Verdict{}, err
		}
		ext := strings.ToLower(filepath.Ext(f.Name))
		if dangerousExtensions[ext] {
			return infected("blocked extension %s in %s", ext, f.Name), nil
		}
		if unsafeEntryPath(f.Name) {
			return infected("unsafe path %q in archive", f.Name), nil
		}
	}
	return Clean, nil
}

func unsafeEntryPath(name string) bool {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") {
		return true
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}
