package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = ""
	buildDate = ""
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show Manderrow version and build information",
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func versionString() string {
	if version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, emptyAsNA(commit), emptyAsNA(buildDate))
}

func runVersion(_ *cobra.Command, _ []string) error {
	printSection("manderrow version")
	fmt.Println()
	printField("Version", version)
	printField("Commit", emptyAsNA(commit))
	printField("Build Date", emptyAsNA(buildDate))
	printField("Go Version", runtime.Version())
	printField("OS/Arch", runtime.GOOS+"/"+runtime.GOARCH)
	return nil
}

func emptyAsNA(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}
