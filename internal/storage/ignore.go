package storage

import (
	"bufio"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// CollectFiles lists the files under dir as slash-separated relative paths,
// skipping hidden entries, __pycache__ and anything matched by the patterns
// in dir/ignoreFile. Patterns without a slash match base names, patterns
// with one match the path from dir; a trailing slash matches directories only.
func CollectFiles(dir, ignoreFile string) ([]string, error) {
	patterns, err := readPatterns(filepath.Join(dir, ignoreFile))
	if err != nil {
		return nil, err
	}

	var files []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if skipped(rel, d.IsDir(), patterns) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func readPatterns(file string) ([]string, error) {
	f, err := os.Open(file)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns, scanner.Err()
}

func skipped(rel string, isDir bool, patterns []string) bool {
	name := path.Base(rel)
	if strings.HasPrefix(name, ".") || name == "__pycache__" {
		return true
	}

	for _, pattern := range patterns {
		dirOnly := strings.HasSuffix(pattern, "/")
		pattern = strings.TrimSuffix(pattern, "/")
		if dirOnly && !isDir {
			continue
		}

		target := name
		if strings.Contains(pattern, "/") {
			pattern = strings.TrimPrefix(pattern, "/")
			target = rel
		}
		if ok, _ := path.Match(pattern, target); ok {
			return true
		}
	}
	return false
}
