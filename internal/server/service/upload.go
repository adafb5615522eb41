package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"accession/internal/server/checksum"
	"accession/internal/server/database"
	"accession/internal/server/policy"
	"accession/internal/server/session"
	"accession/internal/server/storage"

	"github.com/google/uuid"
)

// AddFile validates and stores one file. declaredSize is the size the
// client announced (or -1 if unknown); the byte count actually read is
// what gets checked and recorded.
//
// A lock-free policy check rejects obvious failures before the body is
// read. The full policy is evaluated again inside the transaction that
// inserts the record, so concurrent uploads to one session cannot jointly
// exceed its limits.
func (s *SessionService) AddFile(ctx context.Context, token, name string, declaredSize int64, body io.Reader) (*database.File, error) {
	name = sanitizeFilename(name)

	sess, err := s.GetSession(ctx, token, AccessRead)
	if err != nil {
		return nil, err
	}
	files, err := s.store.ListFiles(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	if declaredSize < 0 {
		declaredSize = 0
	}
	if d := policy.Evaluate(policy.Candidate{Name: name, Size: declaredSize}, snapshotOf(sess, files), s.cfg.Limits); !d.Accepted {
		return nil, s.rejected(token, name, d.Err())
	}

	// 1. Spool the body, hashing and counting as it arrives
	spool, size, sum, err := s.spool(body)
	if err != nil {
		return nil, err
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()
	if size > s.cfg.Limits.MaxFileSize {
		return nil, s.rejected(token, name, policy.Reject(policy.KindFileTooLarge,
			"%q is larger than the %s limit for a single file.",
			name, policy.HumanizeBytes(s.cfg.Limits.MaxFileSize)))
	}

	// 2. Scan before the file counts as received
	if err := s.scan(ctx, name, spool, size); err != nil {
		return nil, s.rejected(token, name, err)
	}

	// 3. Store the blob under the session's namespace
	file := &database.File{
		ID:           uuid.New(),
		SessionID:    sess.ID,
		OriginalName: name,
		SizeBytes:    size,
		Checksum:     sum,
	}
	file.StorageKey = storage.Key(token, file.ID.String())

	err = storage.RetryOnce(ctx, "save upload", func() error {
		if _, err := spool.Seek(0, io.SeekStart); err != nil {
			return err
		}
		_, err := s.temp.Save(ctx, file.StorageKey, spool)
		return err
	})
	if err != nil {
		slog.Error("failed to store upload",
			"token", session.ShortToken(token),
			"file", name,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}

	// 4. Re-check and record under the session lock
	err = s.store.InTx(ctx, func(tx database.Tx) error {
		locked, err := tx.LockSession(ctx, token)
		if err != nil {
			return err
		}
		current, err := tx.ListFiles(ctx, locked.ID)
		if err != nil {
			return err
		}
		if d := policy.Evaluate(policy.Candidate{Name: name, Size: size}, snapshotOf(locked, current), s.cfg.Limits); !d.Accepted {
			return d.Err()
		}

		now := s.now()
		file.CreatedAt = now
		if err := tx.InsertFile(ctx, file); err != nil {
			if errors.Is(err, database.ErrDuplicateFile) {
				return policy.Reject(policy.KindDuplicateName,
					"A file named %q has already been uploaded.", name)
			}
			return err
		}
		return tx.TouchSession(ctx, locked.ID, now)
	})
	if err != nil {
		s.discard(file.StorageKey)
		if errors.Is(err, database.ErrSessionNotFound) {
			return nil, ErrNotFound
		}
		if _, ok := policy.AsRejection(err); ok {
			return nil, s.rejected(token, name, err)
		}
		return nil, err
	}

	slog.Info("file accepted",
		"token", session.ShortToken(token),
		"file", name,
		"size", size,
		"checksum", sum,
	)
	return file, nil
}

// spool copies at most MaxFileSize+1 bytes of body into a temporary file
// and returns it with the byte count and sha256 of what was read.
func (s *SessionService) spool(body io.Reader) (*os.File, int64, string, error) {
	f, err := os.CreateTemp("", "accession-upload-*")
	if err != nil {
		return nil, 0, "", fmt.Errorf("%w: failed to create spool file: %w", ErrStorageFailure, err)
	}

	hasher := checksum.NewMultiHasher([]checksum.Algorithm{checksum.Primary})
	limited := io.LimitReader(body, s.cfg.Limits.MaxFileSize+1)
	n, err := io.Copy(io.MultiWriter(f, hasher), limited)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, 0, "", fmt.Errorf("failed to read upload data: %w", err)
	}
	return f, n, hasher.Sums()[checksum.Primary], nil
}

// scan runs the scanner with the configured timeout and maps its outcome
// to a rejection.
func (s *SessionService) scan(ctx context.Context, name string, r io.ReaderAt, size int64) error {
	if !s.cfg.ScanEnabled {
		return nil
	}
	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	verdict, err := s.scanner.Scan(scanCtx, name, r, size)
	switch {
	case err == nil && verdict.Clean:
		return nil
	case err == nil:
		slog.Warn("malware detected", "file", name, "reason", verdict.Reason)
		return policy.Reject(policy.KindMalwareDetected,
			"%q was rejected by the virus scanner: %s.", name, verdict.Reason)
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return policy.Reject(policy.KindScanPending,
			"%q could not be checked for viruses in time. Please try again.", name)
	default:
		slog.Error("virus scan failed", "file", name, "error", err)
		return policy.Reject(policy.KindScanFailed,
			"%q could not be checked for viruses. Please try again later.", name)
	}
}

// rejected logs a policy rejection at info level and returns err.
func (s *SessionService) rejected(token, name string, err error) error {
	if rej, ok := policy.AsRejection(err); ok {
		slog.Info("file rejected",
			"token", session.ShortToken(token),
			"file", name,
			"kind", rej.Kind,
		)
	}
	return err
}

// discard deletes a blob that never became part of a session.
func (s *SessionService) discard(key string) {
	ctx := context.Background()
	if err := storage.RetryOnce(ctx, "discard upload", func() error {
		return s.temp.Delete(ctx, key)
	}); err != nil {
		slog.Error("failed to delete rejected upload", "key", key, "error", err)
	}
}

// ListFiles returns the files of a session in any state.
func (s *SessionService) ListFiles(ctx context.Context, token string) ([]*database.File, error) {
	sess, err := s.GetSession(ctx, token, AccessRead)
	if err != nil {
		return nil, err
	}
	return s.store.ListFiles(ctx, sess.ID)
}

// RemoveFile deletes a file from an ACTIVE session. The record goes first,
// so a failed blob delete only leaves bytes the session prefix still owns.
func (s *SessionService) RemoveFile(ctx context.Context, token, name string) error {
	var removed *database.File
	err := s.store.InTx(ctx, func(tx database.Tx) error {
		sess, err := lockActive(ctx, tx, token, ErrInvalidState)
		if err != nil {
			return err
		}
		removed, err = tx.DeleteFile(ctx, sess.ID, name)
		if err != nil {
			if errors.Is(err, database.ErrFileNotFound) {
				return ErrFileNotFound
			}
			return err
		}
		return tx.TouchSession(ctx, sess.ID, s.now())
	})
	if err != nil {
		return err
	}

	err = storage.RetryOnce(ctx, "remove upload", func() error {
		return s.temp.Delete(ctx, removed.StorageKey)
	})
	if err != nil {
		slog.Error("failed to delete removed file",
			"token", session.ShortToken(token),
			"file", name,
			"error", err,
		)
	}

	slog.Info("file removed", "token", session.ShortToken(token), "file", name)
	return nil
}

func snapshotOf(sess *database.Session, files []*database.File) policy.Snapshot {
	snap := policy.Snapshot{
		Status:    sess.Status,
		FileCount: len(files),
		Names:     make(map[string]struct{}, len(files)),
	}
	for _, f := range files {
		snap.TotalSize += f.SizeBytes
		snap.Names[f.OriginalName] = struct{}{}
	}
	return snap
}

const (
	maxFilenameBytes = 255
	// longer extensions are cut with the rest of the name
	maxExtensionBytes = 16
)

// sanitizeFilename strips directory components and limits length without
// splitting a UTF-8 sequence.
func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes to forward slashes before
	// calling filepath.Base, which is platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))

	name = strings.ToValidUTF8(name, "")

	if len(name) > maxFilenameBytes {
		ext := filepath.Ext(name)
		if len(ext) > maxExtensionBytes {
			ext = ""
		}
		cut := maxFilenameBytes - len(ext)
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut] + ext
	}

	if name == "" || name == "." || name == ".." || name == "/" {
		name = "upload"
	}
	return name
}
