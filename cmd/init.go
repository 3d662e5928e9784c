package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/manderrow/manderrow/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config and create Manderrow's directories",
	Long: `Write config.yaml with the default game catalog (unless it already
exists) and create the cache, data and runtime directories.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

var (
	flagInitSteamDir  string
	flagInitAgentPath string
	flagInitForce     bool
)

func init() {
	initCmd.Flags().StringVar(&flagInitSteamDir, "steam-dir", "", "Steam installation directory (default: auto-detect)")
	initCmd.Flags().StringVar(&flagInitAgentPath, "agent-path", "", "path to the agent shared library")
	initCmd.Flags().BoolVar(&flagInitForce, "force", false, "overwrite an existing config.yaml")
	rootCmd.AddCommand(initCmd)
}

func runInit(_ *cobra.Command, _ []string) error {
	cfgPath := flagConfig
	if cfgPath == "" {
		p, err := config.ConfigPath()
		if err != nil {
			return err
		}
		cfgPath = p
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) || flagInitForce {
		cfg, err := config.DefaultConfig()
		if err != nil {
			return err
		}
		if flagInitSteamDir != "" {
			cfg.SteamDir = flagInitSteamDir
		}
		if flagInitAgentPath != "" {
			cfg.AgentPath = flagInitAgentPath
		}
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if err := config.SaveFile(cfgPath, cfg); err != nil {
			return err
		}
		printOK("", fmt.Sprintf("Config written: %s", cfgPath))
	} else {
		printSkip("", fmt.Sprintf("Config already exists: %s", cfgPath))
	}

	cfg, err := config.LoadFile(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	printOK("", fmt.Sprintf("Cache directory ready: %s", cfg.CacheDir))
	printOK("", fmt.Sprintf("Data directory ready: %s", cfg.DataDir))
	printOK("", fmt.Sprintf("Runtime directory ready: %s", cfg.RuntimeDir))
	if cfg.SteamDir == "" {
		printWarn("", "Steam not found; set steam_dir in the config to launch Steam games")
	} else {
		printOK("", fmt.Sprintf("Steam: %s", cfg.SteamDir))
	}
	fmt.Fprintf(stdout, "\n  %d game(s) in the catalog. Next: 'manderrow mods fetch <game>'.\n", len(cfg.Games))
	return nil
}
