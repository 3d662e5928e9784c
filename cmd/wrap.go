package cmd

import (
	"github.com/spf13/cobra"

	"github.com/manderrow/manderrow/internal/launch"
	"github.com/manderrow/manderrow/internal/logging"
)

var wrapCmd = &cobra.Command{
	Use:   "wrap <command> [args...]",
	Short: "Run a game command with the agent preloaded (used by Steam)",
	Long: `Run the command with the Manderrow agent preloaded. A {manderrow ...
manderrow} block anywhere in the arguments configures the agent; without
one the command runs unchanged.

Steam runs this through the launch options '<manderrow> wrap %command%'.`,
	DisableFlagParsing: true,
	Hidden:             true,
	RunE:               runWrap,
}

func init() {
	rootCmd.AddCommand(wrapCmd)
}

func runWrap(cmd *cobra.Command, args []string) error {
	cfg, _ := loadConfig()
	logger := logging.Component(newLogger(cfg), "wrap")
	code, err := launch.Wrap(cmd.Context(), args, logger)
	if err != nil {
		return err
	}
	if code != 0 {
		cmd.SilenceErrors = true
		return &ExitError{Code: code}
	}
	return nil
}
