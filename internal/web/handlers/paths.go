package handlers

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

var errOutsideRoot = errors.New("path is outside the served root")

// resolvePath maps a client supplied path onto the filesystem. Relative
// paths are taken from root; anything that ends up outside root, including
// through symlinks, is rejected.
func resolvePath(root, path string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absRoot = evalExisting(absRoot)

	if !filepath.IsAbs(path) {
		path = filepath.Join(absRoot, path)
	}
	path = evalExisting(filepath.Clean(path))

	rel, err := filepath.Rel(absRoot, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errOutsideRoot
	}
	return path, nil
}

// evalExisting resolves symlinks in the longest existing prefix of path and
// keeps the missing remainder, so a missing file is still reported as missing.
func evalExisting(path string) string {
	var rest []string
	for cur := path; ; {
		if _, err := os.Lstat(cur); err == nil {
			resolved, err := filepath.EvalSymlinks(cur)
			if err != nil {
				return path
			}
			return filepath.Join(append([]string{resolved}, rest...)...)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}
