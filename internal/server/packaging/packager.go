// Package packaging turns the files of an upload session into a BagIt
// archival package in permanent storage.
package packaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"accession/internal/server/checksum"
	"accession/internal/server/database"
	"accession/internal/server/session"
	"accession/internal/server/storage"

	"github.com/google/uuid"
)

// ErrChecksumMismatch means a temporary blob no longer matches the
// checksum or size recorded when it was accepted.
var ErrChecksumMismatch = errors.New("stored file does not match its recorded checksum")

// Packager builds packages by moving blobs from the temporary store into
// the archive store.
type Packager struct {
	temp    storage.Store
	archive storage.Store
	algs    []checksum.Algorithm
}

// New creates a Packager writing one manifest per algorithm.
func New(temp, archive storage.Store, algs []checksum.Algorithm) *Packager {
	if len(algs) == 0 {
		algs = []checksum.Algorithm{checksum.Primary}
	}
	return &Packager{temp: temp, archive: archive, algs: algs}
}

type movedBlob struct {
	tempKey    string
	archiveKey string
}

// Result is a built but not yet committed package. It is needed to undo
// the build if the database commit fails.
type Result struct {
	Package *database.Package
	moved   []movedBlob
}

// Build verifies every blob, moves it under <package-id>/data/ and writes
// the tag files. On failure everything already moved is put back and the
// returned Result is nil.
func (p *Packager) Build(ctx context.Context, sess *database.Session, files []*database.File, sub *database.Submission) (*Result, error) {
	now := time.Now().UTC()
	pkgID := uuid.New()
	root := pkgID.String()

	entries := make([]database.ManifestEntry, 0, len(files))
	var total int64
	for _, f := range files {
		sums, err := p.verify(ctx, f)
		if err != nil {
			return nil, err
		}
		entries = append(entries, database.ManifestEntry{
			Path:      storage.Key(payloadDir, f.OriginalName),
			Size:      f.SizeBytes,
			Checksums: sums,
		})
		total += f.SizeBytes
	}

	res := &Result{
		Package: &database.Package{
			ID:           pkgID,
			SubmissionID: sub.ID,
			StorageRoot:  root,
			Algorithms:   algNames(p.algs),
			Manifest:     entries,
			FileCount:    len(files),
			TotalSize:    total,
			CreatedAt:    now,
		},
	}

	fail := func(err error) (*Result, error) {
		if rbErr := p.Rollback(context.WithoutCancel(ctx), res); rbErr != nil {
			slog.Error("failed to roll back partial package",
				"package_id", root,
				"token", session.ShortToken(sess.Token),
				"error", rbErr,
			)
		}
		return nil, err
	}

	for i, f := range files {
		dst := storage.Key(root, entries[i].Path)
		err := storage.RetryOnce(ctx, "move", func() error {
			return storage.Move(ctx, p.temp, f.StorageKey, p.archive, dst)
		})
		if err != nil {
			return fail(fmt.Errorf("failed to move %s into package: %w", f.OriginalName, err))
		}
		res.moved = append(res.moved, movedBlob{tempKey: f.StorageKey, archiveKey: dst})
	}

	if err := p.writeTagFiles(ctx, root, sub, entries, now); err != nil {
		return fail(err)
	}

	slog.Info("package built",
		"package_id", root,
		"files", len(files),
		"total_size", total,
		"algorithms", res.Package.Algorithms,
	)
	return res, nil
}

// verify re-hashes a temporary blob with every algorithm and checks it
// against the checksum and size recorded at upload.
func (p *Packager) verify(ctx context.Context, f *database.File) (map[string]string, error) {
	var (
		sums map[checksum.Algorithm]string
		n    int64
	)
	err := storage.RetryOnce(ctx, "verify", func() error {
		r, err := p.temp.Open(ctx, f.StorageKey)
		if err != nil {
			return err
		}
		defer r.Close()
		sums, n, err = checksum.Compute(r, p.algs)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.OriginalName, err)
	}
	if n != f.SizeBytes || sums[checksum.Primary] != f.Checksum {
		return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, f.OriginalName)
	}

	out := make(map[string]string, len(sums))
	for alg, sum := range sums {
		out[string(alg)] = sum
	}
	return out, nil
}

func (p *Packager) writeTagFiles(ctx context.Context, root string, sub *database.Submission, entries []database.ManifestEntry, now time.Time) error {
	type tagFile struct {
		name string
		data []byte
	}
	tags := []tagFile{
		{"bagit.txt", bagitTxt()},
		{"bag-info.txt", bagInfoTxt(sub, entries, now)},
	}
	for _, alg := range p.algs {
		tags = append(tags, tagFile{manifestName(alg), manifestTxt(alg, entries)})
	}

	for _, t := range tags {
		if err := p.put(ctx, storage.Key(root, t.name), t.data); err != nil {
			return err
		}
	}

	// tag manifests cover every tag file written above
	for _, alg := range p.algs {
		var lines bytes.Buffer
		for _, t := range tags {
			sums, _, err := checksum.Compute(bytes.NewReader(t.data), []checksum.Algorithm{alg})
			if err != nil {
				return err
			}
			fmt.Fprintf(&lines, "%s  %s\n", sums[alg], t.name)
		}
		if err := p.put(ctx, storage.Key(root, tagManifestName(alg)), lines.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func (p *Packager) put(ctx context.Context, key string, data []byte) error {
	err := storage.RetryOnce(ctx, "write tag file", func() error {
		_, err := p.archive.Save(ctx, key, bytes.NewReader(data))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Rollback moves every blob of res back to its temporary key and deletes
// the package prefix. Safe to call more than once.
func (p *Packager) Rollback(ctx context.Context, res *Result) error {
	if res == nil || res.Package == nil {
		return nil
	}

	var errs []error
	for i := len(res.moved) - 1; i >= 0; i-- {
		m := res.moved[i]
		err := storage.RetryOnce(ctx, "restore", func() error {
			return storage.Move(ctx, p.archive, m.archiveKey, p.temp, m.tempKey)
		})
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, fmt.Errorf("failed to restore %s: %w", m.tempKey, err))
		}
	}

	// the prefix is only removed once no payload blob depends on it
	if len(errs) == 0 {
		root := res.Package.StorageRoot
		err := storage.RetryOnce(ctx, "delete package", func() error {
			return p.archive.DeletePrefix(ctx, root)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to delete package %s: %w", root, err))
		}
	}

	if len(errs) == 0 {
		slog.Info("package rolled back", "package_id", res.Package.StorageRoot, "restored", len(res.moved))
	}
	return errors.Join(errs...)
}

func algNames(algs []checksum.Algorithm) []string {
	out := make([]string, len(algs))
	for i, a := range algs {
		out[i] = string(a)
	}
	return out
}
