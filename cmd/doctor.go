package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/manderrow/manderrow/internal/config"
	"github.com/manderrow/manderrow/internal/launch"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run pre-flight environment checks",
	Long: `Check that Manderrow's configuration, directories, Steam installation
and agent library are usable. Run this when a launch fails.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

var doctorFixCmd = &cobra.Command{
	Use:   "fix [game]",
	Short: "Set the Steam launch options Manderrow needs",
	Long: `Set the launch options of every Steam game in the catalog (or just the
given one) so that launches go through 'manderrow wrap'. Steam has to be
closed for the change to stick; you will be asked before it is shut down.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDoctorFix,
}

func init() {
	doctorCmd.AddCommand(doctorFixCmd)
	rootCmd.AddCommand(doctorCmd)
}

func runDoctorFix(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	games := a.cfg.Games
	if len(args) == 1 {
		g, err := a.game(args[0])
		if err != nil {
			return err
		}
		games = []config.Game{g}
	}
	self, err := selfPath()
	if err != nil {
		return err
	}
	want, err := launch.WrapperCommand(self)
	if err != nil {
		return err
	}

	s, err := a.openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	printSection("manderrow doctor fix")
	store := a.steam()
	for _, g := range games {
		if g.SteamAppID == "" {
			printSkip(g.ID, "not a Steam game")
			continue
		}
		if err := launch.EnsureLaunchArgs(cmd.Context(), s.prompts, store, g.SteamAppID, want); err != nil {
			return fmt.Errorf("%s: %w", g.ID, err)
		}
		printOK(g.ID, "launch options set")
	}
	return nil
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	allOK := true
	failD := func(format string, args ...any) {
		printErr("", fmt.Sprintf(format, args...))
		allOK = false
	}

	printSection("manderrow doctor")
	fmt.Fprintln(stdout)

	fmt.Fprintln(stdout, "[ Config ]")
	cfg, err := loadConfig()
	if err != nil {
		failD("%v", err)
		return fmt.Errorf("doctor found problems")
	}
	printOK("", fmt.Sprintf("%d game(s) configured", len(cfg.Games)))
	fmt.Fprintln(stdout)

	fmt.Fprintln(stdout, "[ Directories ]")
	for _, d := range []struct{ name, path string }{
		{"cache", cfg.CacheDir},
		{"data", cfg.DataDir},
		{"runtime", cfg.RuntimeDir},
	} {
		if err := checkWritable(d.path); err != nil {
			failD("%s directory %s: %v", d.name, d.path, err)
		} else {
			printOK("", fmt.Sprintf("%s directory writable: %s", d.name, d.path))
		}
	}
	fmt.Fprintln(stdout)

	fmt.Fprintln(stdout, "[ Agent ]")
	a := &app{cfg: cfg, logger: newLogger(cfg)}
	self, err := selfPath()
	if err != nil {
		failD("%v", err)
	} else if p, err := a.agentPath(self); err != nil {
		failD("%v", err)
	} else {
		printOK("", "agent library: "+p)
	}
	fmt.Fprintln(stdout)

	fmt.Fprintln(stdout, "[ Steam ]")
	if cfg.SteamDir == "" {
		printWarn("", "Steam directory not found; Steam games cannot be launched")
	} else {
		checkSteam(cmd.Context(), a, self)
	}

	fmt.Fprintln(stdout)
	if !allOK {
		return fmt.Errorf("doctor found problems")
	}
	printOK("", "all checks passed")
	return nil
}

func checkSteam(ctx context.Context, a *app, self string) {
	configs, err := a.steam().LocalConfigs()
	if err != nil || len(configs) == 0 {
		printWarn("", fmt.Sprintf("no Steam user configs under %s", a.cfg.SteamDir))
		return
	}
	printOK("", fmt.Sprintf("%d Steam user config(s)", len(configs)))
	if self == "" {
		return
	}
	want, err := launch.WrapperCommand(self)
	if err != nil {
		printErr("", err.Error())
		return
	}
	for _, g := range a.cfg.Games {
		if g.SteamAppID == "" {
			continue
		}
		res, err := launch.ApplyLaunchArgs(ctx, configs, g.SteamAppID, want, true, true)
		switch {
		case err != nil:
			printMiss(g.ID, err.Error())
		case res == launch.Unchanged:
			printOK(g.ID, "launch options set")
		default:
			printWarn(g.ID, "launch options need updating; run 'manderrow doctor fix'")
		}
	}
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(filepath.Clean(name))
}
