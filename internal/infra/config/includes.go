package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// loadIncludes overlays every file named by cfg.Includes onto cfg. Paths
// are relative to the including file and may be globs; they must not
// leave its directory.
func loadIncludes(cfg *Config, from string) error {
	return includeFrom(cfg, from, map[string]bool{from: true}, 0)
}

func includeFrom(cfg *Config, from string, seen map[string]bool, depth int) error {
	if depth >= maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}

	patterns := cfg.Includes
	cfg.Includes = nil
	dir := filepath.Dir(from)

	for _, pattern := range patterns {
		paths, err := expandInclude(dir, pattern)
		if err != nil {
			return err
		}
		for _, p := range paths {
			if seen[p] {
				return fmt.Errorf("config includes: circular include of %q", p)
			}
			seen[p] = true
			if err := overlay(cfg, p, seen, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// expandInclude resolves pattern against dir. A literal path that does not
// exist is returned as is so that overlay reports it; a glob matching
// nothing is not an error.
func expandInclude(dir, pattern string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(dir, pattern)
	}
	pattern = filepath.Clean(pattern)

	if rel, err := filepath.Rel(dir, pattern); err == nil && strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 && !strings.ContainsAny(pattern, "*?[") {
		matches = []string{pattern}
	}
	for i, m := range matches {
		if matches[i], err = filepath.Abs(m); err != nil {
			return nil, fmt.Errorf("config includes: abs path %q: %w", m, err)
		}
	}
	return matches, nil
}

func overlay(cfg *Config, path string, seen map[string]bool, depth int) error {
	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", path, err)
	}
	if len(cfg.Includes) > 0 {
		return includeFrom(cfg, path, seen, depth)
	}
	return nil
}
