// Package fsutil holds small filesystem helpers shared by the transcript and
// ledger stores.
package fsutil

import (
	"os"
	"path/filepath"
	"strings"
)

// WriteFileAtomic replaces path with data using a write-temp-then-rename so a
// crash mid-write never leaves a half-written file behind.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	path = filepath.Clean(strings.TrimSpace(path))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
