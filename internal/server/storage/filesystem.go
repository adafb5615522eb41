package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned when a key has no stored object.
	ErrNotFound = errors.New("object not found")
	// ErrInvalidKey is returned for keys that could escape the store root.
	ErrInvalidKey = errors.New("invalid storage key")
)

// Store defines the interface for blob storage backends. Keys are
// slash-separated relative paths such as "<token>/<file-id>".
type Store interface {
	Init(ctx context.Context) error
	Save(ctx context.Context, key string, data io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Key joins path segments into a store key.
func Key(parts ...string) string {
	return path.Join(parts...)
}

// ValidateKey rejects empty, absolute and traversing keys.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// FileSystemStore stores blobs on the local filesystem under basePath.
type FileSystemStore struct {
	basePath string
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath}
}

// Init creates the storage directory if it doesn't exist.
func (fs *FileSystemStore) Init(ctx context.Context) error {
	if err := os.MkdirAll(fs.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", fs.basePath, err)
	}
	return nil
}

// Save writes data to a temporary file next to the target and renames it
// into place, so readers never observe a partial blob.
// Returns the number of bytes written.
func (fs *FileSystemStore) Save(ctx context.Context, key string, data io.Reader) (int64, error) {
	filePath, err := fs.filePath(key)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return 0, fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	file, err := os.CreateTemp(filepath.Dir(filePath), ".partial-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create file for %s: %w", key, err)
	}
	tmpName := file.Name()

	n, err := io.Copy(file, readerWithContext(ctx, data))
	if err != nil {
		file.Close()
		// Clean up partial file on error
		os.Remove(tmpName)
		return 0, fmt.Errorf("failed to write file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpName, filePath); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("failed to finalize file %s: %w", key, err)
	}

	return n, nil
}

// Open returns a reader for a stored blob.
func (fs *FileSystemStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	filePath, err := fs.filePath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

// Delete removes a stored blob. Missing blobs are not an error.
func (fs *FileSystemStore) Delete(ctx context.Context, key string) error {
	filePath, err := fs.filePath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file %s: %w", filePath, err)
	}
	return nil
}

// DeletePrefix removes every blob under prefix.
func (fs *FileSystemStore) DeletePrefix(ctx context.Context, prefix string) error {
	dirPath, err := fs.filePath(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dirPath); err != nil {
		return fmt.Errorf("failed to delete %s: %w", dirPath, err)
	}
	return nil
}

// Exists reports whether a blob is stored under key.
func (fs *FileSystemStore) Exists(ctx context.Context, key string) (bool, error) {
	filePath, err := fs.filePath(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat file: %w", err)
	}
	return !info.IsDir(), nil
}

// List returns the sorted keys of all blobs under prefix.
func (fs *FileSystemStore) List(ctx context.Context, prefix string) ([]string, error) {
	root := fs.basePath
	if prefix != "" {
		p, err := fs.filePath(prefix)
		if err != nil {
			return nil, err
		}
		root = p
	}

	var keys []string
	err := filepath.WalkDir(root, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == root {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".partial-") {
			return nil
		}
		rel, err := filepath.Rel(fs.basePath, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// moveTo renames a blob into another filesystem store, falling back to
// copy-then-delete when the roots live on different devices.
func (fs *FileSystemStore) moveTo(ctx context.Context, dst *FileSystemStore, srcKey, dstKey string) error {
	srcPath, err := fs.filePath(srcKey)
	if err != nil {
		return err
	}
	dstPath, err := dst.filePath(dstKey)
	if err != nil {
		return err
	}
	if _, err := os.Stat(srcPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, srcKey)
		}
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dstKey, err)
	}
	if err := os.Rename(srcPath, dstPath); err == nil {
		return nil
	}
	return copyThenDelete(ctx, fs, srcKey, dst, dstKey)
}

func (fs *FileSystemStore) filePath(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(fs.basePath, filepath.FromSlash(key)), nil
}
