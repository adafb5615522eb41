package core

import (
	"fmt"
	"os"

	"accession/internal/server/checksum"
)

// PlanItem is one file queued for upload.
type PlanItem struct {
	Path     string
	Name     string // name the server will see
	Size     int64
	Checksum string // sha256, hex
}

// Plan is the ordered list of uploads for one donation.
type Plan struct {
	Items     []PlanItem
	TotalSize int64
}

// BuildPlan hashes every file in the tree. The server keeps only base
// names, so two files with the same name are refused here rather than
// half-uploaded.
func BuildPlan(ft *Filetree) (*Plan, error) {
	files := ft.FlattenTree()
	if len(files) == 0 {
		return nil, fmt.Errorf("no files to upload")
	}

	plan := &Plan{}
	owners := make(map[string]string, len(files))

	for _, f := range files {
		if prev, ok := owners[f.Name()]; ok {
			return nil, &ValidationError{
				Arg:   f.Path(),
				Cause: fmt.Sprintf("same file name as %s; rename one of them", prev),
			}
		}
		owners[f.Name()] = f.Path()

		sum, size, err := hashFile(f.Path())
		if err != nil {
			return nil, err
		}
		plan.Items = append(plan.Items, PlanItem{
			Path:     f.Path(),
			Name:     f.Name(),
			Size:     size,
			Checksum: sum,
		})
		plan.TotalSize += size
	}

	return plan, nil
}

func hashFile(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer file.Close()

	sums, size, err := checksum.Compute(file, []checksum.Algorithm{checksum.Primary})
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return sums[checksum.Primary], size, nil
}
