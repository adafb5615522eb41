package storage

import (
	"context"
	"fmt"
	"io"
)

// Move transfers a blob from one store to another and removes the source.
// Filesystem-to-filesystem and same-client S3 moves avoid streaming the
// bytes through the process.
func Move(ctx context.Context, src Store, srcKey string, dst Store, dstKey string) error {
	switch s := src.(type) {
	case *FileSystemStore:
		if d, ok := dst.(*FileSystemStore); ok {
			return s.moveTo(ctx, d, srcKey, dstKey)
		}
	case *S3Store:
		if d, ok := dst.(*S3Store); ok && s.client == d.client {
			return s.moveTo(ctx, d, srcKey, dstKey)
		}
	}
	return copyThenDelete(ctx, src, srcKey, dst, dstKey)
}

func copyThenDelete(ctx context.Context, src Store, srcKey string, dst Store, dstKey string) error {
	r, err := src.Open(ctx, srcKey)
	if err != nil {
		return err
	}
	defer r.Close()

	if _, err := dst.Save(ctx, dstKey, r); err != nil {
		return fmt.Errorf("failed to copy %s: %w", srcKey, err)
	}
	if err := src.Delete(ctx, srcKey); err != nil {
		// undo the copy so a failed move leaves only the source
		if derr := dst.Delete(ctx, dstKey); derr != nil {
			return fmt.Errorf("failed to delete source %s (%v) and copy %s: %w", srcKey, err, dstKey, derr)
		}
		return fmt.Errorf("failed to delete source %s: %w", srcKey, err)
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// readerWithContext stops a long copy once ctx is cancelled.
func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	if ctx == nil || ctx.Done() == nil {
		return r
	}
	return ctxReader{ctx: ctx, r: r}
}
