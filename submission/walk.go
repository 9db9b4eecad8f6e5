package submission

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
)

// File is a regular file found under a local root.
type File struct {
	Path    string
	RelPath string
	Size    int64
}

// Walker lists the files of a local tree.
type Walker struct {
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
	excludes     []string
}

// NewWalker creates a Walker skipping relative paths matching any of the
// doublestar exclude patterns.
func NewWalker(excludes []string) (*Walker, error) {
	for _, pattern := range excludes {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid exclude pattern: %s", pattern)
		}
	}

	return &Walker{
		pathModifier: pathutil.NewPathModifier(),
		pathChecker:  pathutil.NewPathChecker(),
		excludes:     excludes,
	}, nil
}

// Walk returns the regular files under root, sorted by relative path.
// Relative paths use forward slashes.
func (w *Walker) Walk(root string) ([]File, error) {
	absRoot, err := w.pathModifier.AbsPath(root) // resolves ~/ and expands any envs
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}

	exists, err := w.pathChecker.IsPathExists(absRoot)
	if err != nil {
		return nil, fmt.Errorf("check %s: %w", absRoot, err)
	}
	if !exists {
		return nil, fmt.Errorf("%s: %w", absRoot, fs.ErrNotExist)
	}

	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if w.excluded(info.Name()) {
			return nil, nil
		}
		return []File{{Path: absRoot, RelPath: info.Name(), Size: info.Size()}}, nil
	}

	var files []File
	err = filepath.WalkDir(absRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(absRoot, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if w.excluded(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, File{Path: p, RelPath: rel, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", absRoot, err)
	}

	slices.SortFunc(files, func(a, b File) int {
		switch {
		case a.RelPath < b.RelPath:
			return -1
		case a.RelPath > b.RelPath:
			return 1
		}
		return 0
	})
	return files, nil
}

func (w *Walker) excluded(rel string) bool {
	for _, pattern := range w.excludes {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}
