//go:build windows

package installer

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"golang.org/x/sys/windows"
)

// removeBackup deletes a replaced install tree.
//
// Scanners and the game itself can keep handles open for a short while after
// a swap, so removal is retried before the remains are scheduled for deletion
// at the next reboot.
func removeBackup(path string) error {
	if path == "" {
		return nil
	}

	tryRemove := func() error {
		err := os.RemoveAll(path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	var lastErr error
	for range 15 {
		if lastErr = tryRemove(); lastErr == nil {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return lastErr
	}
	if err := windows.MoveFileEx(p, nil, windows.MOVEFILE_DELAY_UNTIL_REBOOT); err != nil {
		return lastErr
	}
	return nil
}
