//go:build windows

package agent

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// loadLibrary loads path and leaks the handle so the library stays resident.
func loadLibrary(path string) error {
	if _, err := windows.LoadLibrary(path); err != nil {
		return fmt.Errorf("cannot load %s: %w", path, err)
	}
	return nil
}
