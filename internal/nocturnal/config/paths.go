package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// validatePath checks that path contains no traversal sequence, the same
// defense-in-depth check internal/config/config.go applies to contextd's
// filesystem-backed config fields.
func validatePath(path string) error {
	if strings.Contains(path, "..") {
		return fmt.Errorf("path contains traversal sequence: %s", path)
	}
	if filepath.IsAbs(path) {
		clean := filepath.Clean(path)
		origDepth := strings.Count(path, string(filepath.Separator))
		cleanDepth := strings.Count(clean, string(filepath.Separator))
		if cleanDepth < origDepth-1 {
			return fmt.Errorf("path traversal detected: %s (resolves to %s)", path, clean)
		}
	}
	return nil
}
