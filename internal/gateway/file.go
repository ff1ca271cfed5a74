package gateway

import (
	"os"
	"path/filepath"
)

// writeFile persists a downloaded attachment under MEDIA_DIR, creating the
// directory if needed.
func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
