package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ExpandPipelineFiles expands paths and glob patterns into a sorted, unique
// list of pipeline definition files. Directories contribute every .yaml/.yml
// file they contain.
func ExpandPipelineFiles(patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("no pipeline files provided")
	}

	seen := make(map[string]struct{})
	var files []string
	add := func(path string) {
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		files = append(files, path)
	}

	for _, pattern := range patterns {
		if strings.ContainsAny(pattern, "*?[") {
			matches, err := filepath.Glob(pattern)
			if err != nil {
				return nil, err
			}
			if len(matches) == 0 {
				return nil, fmt.Errorf("no matches for pattern %q", pattern)
			}
			for _, m := range matches {
				add(m)
			}
			continue
		}

		info, err := os.Stat(pattern)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			add(pattern)
			continue
		}

		entries, err := os.ReadDir(pattern)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || !isPipelineFile(e.Name()) {
				continue
			}
			add(filepath.Join(pattern, e.Name()))
		}
	}

	sort.Strings(files)
	return files, nil
}

func isPipelineFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
