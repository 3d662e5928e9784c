//go:build !windows

package installer

import (
	"errors"
	"io/fs"
	"os"
)

// removeBackup deletes a replaced install tree.
func removeBackup(path string) error {
	if path == "" {
		return nil
	}
	err := os.RemoveAll(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
