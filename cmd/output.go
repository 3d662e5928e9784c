package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
)

// Output helpers shared by every command.
//
// Icon semantics:
//   ✓  success
//   ✗  error (stderr)
//   ⚠  warning
//   ○  skipped
//   -  missing
//   ~  neutral info

var (
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	fieldStyle   = lipgloss.NewStyle().Bold(true).Width(14)
)

// stdout and stderr are swapped out by tests.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// printSection prints a top-level section header, e.g. "=== Install ===".
func printSection(title string) {
	fmt.Fprintf(stdout, "\n%s\n", sectionStyle.Render("=== "+title+" ==="))
}

// printBullet prints a grouped-section bullet.
func printBullet(title string) {
	fmt.Fprintf(stdout, "\n● %s\n", title)
}

func printField(name, value string) {
	fmt.Fprintf(stdout, "  %s %s\n", fieldStyle.Render(name+":"), value)
}

func printLine(w io.Writer, icon lipgloss.Style, glyph, name, msg string) {
	if name == "" {
		fmt.Fprintf(w, "  %s  %s\n", icon.Render(glyph), msg)
		return
	}
	fmt.Fprintf(w, "  %s  [%s] %s\n", icon.Render(glyph), name, msg)
}

func printOK(name, msg string) { printLine(stdout, okStyle, "✓", name, msg) }
func printErr(name, msg string) { printLine(stderr, errStyle, "✗", name, msg) }
func printWarn(name, msg string) { printLine(stdout, warnStyle, "⚠", name, msg) }
func printSkip(name, msg string) { printLine(stdout, dimStyle, "○", name, msg) }
func printMiss(name, msg string) { printLine(stdout, dimStyle, "-", name, msg) }
func printInfo(name, msg string) { printLine(stdout, dimStyle, "~", name, msg) }

// humanBytes renders a byte count with a binary suffix.
func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
