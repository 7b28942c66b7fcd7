// Package deployfile knows how deployment scripts are laid out in the repository.
package deployfile

import (
	"os"
	"path"
	"path/filepath"
	"strings"
)

// IsWatched reports whether a repository-relative, slash-separated path lies
// under watchDir. watchDir must end with a slash.
func IsWatched(p, watchDir string) bool {
	return strings.HasPrefix(p, watchDir) && len(p) > len(watchDir)
}

// Tag returns the tag deployments created from p carry: its base name,
// e.g. prefect/flows/deployments/sales.py -> sales.py
func Tag(p string) string {
	return path.Base(filepath.ToSlash(p))
}

// Stem returns the base name without its extension
func Stem(p string) string {
	base := Tag(p)
	return strings.TrimSuffix(base, path.Ext(base))
}

// IsDefinition returns true for YAML deployment definitions
func IsDefinition(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// RelativeToWatchDir strips watchDir from a repository-relative path
func RelativeToWatchDir(p, watchDir string) string {
	return strings.TrimPrefix(p, watchDir)
}

// DiscoverFiles lists the deployment files in dir whose extension is in exts.
// Hidden files and directories are skipped. Returned paths are relative to dir
// and slash-separated.
func DiscoverFiles(dir string, exts []string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if p != dir && strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() || !hasExt(p, exts) {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})

	if err != nil {
		return nil, err
	}

	return files, nil
}

func hasExt(p string, exts []string) bool {
	ext := filepath.Ext(p)
	for _, valid := range exts {
		if strings.EqualFold(ext, valid) {
			return true
		}
	}
	return false
}
