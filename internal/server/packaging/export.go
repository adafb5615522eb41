package packaging

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"strings"

	"accession/internal/server/database"
	"accession/internal/server/storage"
)

// Export streams the package as a ZIP archive whose single top-level
// directory is the bag, named after the package ID.
func (p *Packager) Export(ctx context.Context, pkg *database.Package, w io.Writer) error {
	keys, err := p.archive.List(ctx, pkg.StorageRoot)
	if err != nil {
		return fmt.Errorf("failed to list package %s: %w", pkg.ID, err)
	}
	if len(keys) == 0 {
		return fmt.Errorf("package %s: %w", pkg.ID, storage.ErrNotFound)
	}

	zw := zip.NewWriter(w)
	for _, key := range keys {
		rel := strings.TrimPrefix(key, pkg.StorageRoot+"/")
		if err := p.addToZip(ctx, zw, key, storage.Key(pkg.ID.String(), rel)); err != nil {
			zw.Close()
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to close zip writer: %w", err)
	}
	return nil
}

func (p *Packager) addToZip(ctx context.Context, zw *zip.Writer, key, archivePath string) error {
	r, err := p.archive.Open(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", key, err)
	}
	defer r.Close()

	header := &zip.FileHeader{
		Name:   archivePath,
		Method: zip.Deflate,
	}
	writer, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to create zip entry: %w", err)
	}

	if _, err := io.Copy(writer, r); err != nil {
		return fmt.Errorf("failed to write %s to zip: %w", key, err)
	}
	return nil
}
