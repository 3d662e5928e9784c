package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/manderrow/manderrow/internal/config"
	"github.com/manderrow/manderrow/internal/logging"
	"github.com/manderrow/manderrow/internal/report"
)

var (
	flagConfig   string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:          "manderrow",
	Short:        "Mod manager for Thunderstore games",
	SilenceUsage: true, // don't print usage on operational errors
	Long: `Manderrow browses the Thunderstore mod index, installs mods into
profiles and launches games with the Manderrow agent injected.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default is the user config dir)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "debug, info, warn or error (overrides config)")
}

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// loadConfig reads the configuration selected by --config.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flagConfig != "" {
		cfg, err = config.LoadFile(flagConfig)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("cannot load config: %w\nRun 'manderrow init' first.", err)
	}
	return cfg, nil
}

// logLevel returns --log-level, falling back to the config's level.
func logLevel(cfg *config.Config) string {
	if flagLogLevel == "" && cfg != nil {
		return cfg.Log.Level
	}
	return flagLogLevel
}

// newLogger builds the stderr logger from --log-level or the config.
func newLogger(cfg *config.Config) *log.Logger {
	lvl, err := logging.ParseLevel(logLevel(cfg))
	if err != nil {
		printWarn("", err.Error())
	}
	return logging.New(lvl)
}

// withStacks makes every command's error carry the stack of the command
// boundary, so --log-level debug can print a backtrace.
func withStacks(c *cobra.Command) {
	if run := c.RunE; run != nil {
		c.RunE = func(cmd *cobra.Command, args []string) error {
			return report.WithStack(run(cmd, args))
		}
	}
	for _, sub := range c.Commands() {
		withStacks(sub)
	}
}

// wantBacktrace reports whether the effective log level is debug. A config
// that fails to load leaves only the flag to go by.
func wantBacktrace() bool {
	var cfg *config.Config
	if flagLogLevel == "" {
		cfg, _ = loadConfig()
	}
	lvl, err := logging.ParseLevel(logLevel(cfg))
	return err == nil && lvl == log.DebugLevel
}

// Execute is called by main.go.
func Execute() {
	withStacks(rootCmd)
	err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versionString()),
		fang.WithNotifySignal(os.Interrupt),
	)
	if err == nil {
		return
	}
	if wantBacktrace() {
		if r := report.New(err); r.Backtrace != "" {
			fmt.Fprintln(stderr, dimStyle.Render(r.Backtrace))
		}
	}
	var exitErr *ExitError
	switch {
	case errors.As(err, &exitErr):
		os.Exit(exitErr.Code)
	case report.IsAborted(err):
		os.Exit(2)
	}
	os.Exit(1)
}
