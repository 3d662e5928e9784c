//go:build unix

package agent

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// captureFD points fd at a new pipe. It returns the read end and a file
// for the original destination.
func captureFD(fd int, name string) (*os.File, *os.File, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	orig, err := unix.Dup(fd)
	if err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, nil, fmt.Errorf("cannot duplicate %s: %w", name, err)
	}
	if err := unix.Dup2(int(pw.Fd()), fd); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		_ = unix.Close(orig)
		return nil, nil, fmt.Errorf("cannot redirect %s: %w", name, err)
	}
	_ = pw.Close()
	return pr, os.NewFile(uintptr(orig), name), nil
}

func captureStdout() (*os.File, *os.File, error) { return captureFD(unix.Stdout, "stdout") }
func captureStderr() (*os.File, *os.File, error) { return captureFD(unix.Stderr, "stderr") }
