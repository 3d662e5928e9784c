//go:build windows

package agent

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// pinned keeps the pipe write ends reachable; the process owns their handles.
var pinned []*os.File

// captureHandle replaces a standard handle with a new pipe. It returns the
// read end and a file for the original destination.
func captureHandle(std uint32, name string) (*os.File, *os.File, error) {
	orig, err := windows.GetStdHandle(std)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot get %s: %w", name, err)
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	if err := windows.SetStdHandle(std, windows.Handle(pw.Fd())); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, nil, fmt.Errorf("cannot redirect %s: %w", name, err)
	}
	pinned = append(pinned, pw)
	return pr, os.NewFile(uintptr(orig), name), nil
}

func captureStdout() (*os.File, *os.File, error) {
	return captureHandle(windows.STD_OUTPUT_HANDLE, "stdout")
}

func captureStderr() (*os.File, *os.File, error) {
	return captureHandle(windows.STD_ERROR_HANDLE, "stderr")
}
