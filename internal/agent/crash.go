package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/manderrow/manderrow/internal/ipc"
)

// CrashFileName is written next to the game executable.
const CrashFileName = "manderrow-agent-crash.txt"

// crashSink is one rung of the reporting ladder. A panicking sink does not
// stop the next one from running.
type crashSink func(report string)

func runCrashSinks(sinks []crashSink, report string) {
	for _, s := range sinks {
		func() {
			defer func() { _ = recover() }()
			s(report)
		}()
	}
}

func crashFilePath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(exe), CrashFileName), nil
}

func fileSink(path string) crashSink {
	return func(report string) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return
		}
		defer f.Close()
		_, _ = f.WriteString(report)
	}
}

func stderrSink(report string) { _, _ = os.Stderr.WriteString(report) }

func ipcSink(report string) {
	conn := currentIPC()
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = conn.Send(ctx, &ipc.Crash{Error: report})
}

func formatCrash(v any, stack []byte) string {
	var b strings.Builder
	fmt.Fprintf(&b, "manderrow agent crashed at %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(&b, "panic: %v\n\n", v)
	b.Write(stack)
	if len(stack) == 0 || stack[len(stack)-1] != '\n' {
		b.WriteByte('\n')
	}
	return b.String()
}

// ReportCrash writes a crash report to the sibling file, stderr and IPC.
func ReportCrash(v any, stack []byte) {
	report := formatCrash(v, stack)
	sinks := make([]crashSink, 0, 3)
	if path, err := crashFilePath(); err == nil {
		sinks = append(sinks, fileSink(path))
	}
	sinks = append(sinks, stderrSink, ipcSink)
	runCrashSinks(sinks, report)
}

// RecoverCrash reports a panic in the calling goroutine and exits. Use it
// deferred at the top of every agent goroutine.
func RecoverCrash() {
	if r := recover(); r != nil {
		ReportCrash(r, debug.Stack())
		exitFunc(1)
	}
}

// installCrashOutput routes fatal runtime errors, which cannot be
// recovered, to the crash file as well.
func installCrashOutput() {
	path, err := crashFilePath()
	if err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	if err := debug.SetCrashOutput(f, debug.CrashOptions{}); err != nil {
		_ = f.Close()
		return
	}
	_ = f.Close()
}
