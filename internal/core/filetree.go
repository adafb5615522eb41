package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Filetree holds everything named on the command line. Directories are
// walked recursively; hidden entries and anything that is not a regular
// file are left out.
type Filetree struct {
	Roots []Node
}

func BuildFiletree(paths []ParsedPath) (*Filetree, error) {
	var roots []Node

	for _, parsedPath := range paths {
		if parsedPath.Kind == PathDir {
			dirNode, err := buildDirTree(parsedPath.FullPath, nil)
			if err != nil {
				return nil, err
			}
			roots = append(roots, dirNode)
			continue
		}

		info, err := os.Stat(parsedPath.FullPath)
		if err != nil {
			return nil, err
		}
		if !info.Mode().IsRegular() {
			return nil, &ValidationError{Arg: parsedPath.FullPath, Cause: "not a regular file"}
		}
		roots = append(roots, &File{
			path: parsedPath.FullPath,
			name: filepath.Base(parsedPath.FullPath),
			size: info.Size(),
		})
	}

	if len(roots) == 0 {
		return nil, fmt.Errorf("no valid paths provided")
	}

	return &Filetree{Roots: roots}, nil
}

func buildDirTree(dirPath string, parent *Dir) (*Dir, error) {
	dir := &Dir{
		path:     dirPath,
		name:     filepath.Base(dirPath),
		children: []Node{},
		parent:   parent,
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		childPath := filepath.Join(dirPath, entry.Name())

		if entry.IsDir() {
			childDir, err := buildDirTree(childPath, dir)
			if err != nil {
				return nil, err
			}
			dir.children = append(dir.children, childDir)
			continue
		}

		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		dir.children = append(dir.children, &File{
			path: childPath,
			name: entry.Name(),
			size: info.Size(),
			dir:  dir,
		})
	}

	return dir, nil
}

// FlattenTree returns every file in the tree, ordered by path.
func (ft *Filetree) FlattenTree() []*File {
	var files []*File
	for _, root := range ft.Roots {
		files = appendFiles(files, root)
	}
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].Path() < files[j].Path()
	})
	return files
}

func appendFiles(files []*File, node Node) []*File {
	switch n := node.(type) {
	case *File:
		files = append(files, n)
	case *Dir:
		for _, child := range n.Children() {
			files = appendFiles(files, child)
		}
	}
	return files
}
