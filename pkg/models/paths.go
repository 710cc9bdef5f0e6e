package models

import (
	"fmt"
	"path"
	"strings"
)

// NormalizePath converts a tool-supplied file path to the canonical relative
// form: forward slashes, no leading slash, no "." or ".." segments. Paths
// that escape the project dir are rejected.
func NormalizePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "/")
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path %q escapes the project directory", p)
	}
	for _, seg := range strings.Split(cleaned, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path %q contains parent-directory segment", p)
		}
	}
	return cleaned, nil
}
