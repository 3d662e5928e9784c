package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/manderrow/manderrow/internal/installer"
)

var uninstallCmd = &cobra.Command{
	Use:   "uninstall <profile> <owner-name>...",
	Short: "Remove mods from a profile",
	Long: `Remove installed mods from a profile. Files the mod shipped are deleted;
with --keep-changes, files you added or edited stay in place.

With --target, the package installed in that directory is removed instead:
  manderrow uninstall --target ./dir`,
	RunE: runUninstall,
}

var (
	flagUninstallKeep   bool
	flagUninstallTarget string
)

func init() {
	uninstallCmd.Flags().BoolVar(&flagUninstallKeep, "keep-changes", false, "keep files you added or modified")
	uninstallCmd.Flags().StringVar(&flagUninstallTarget, "target", "", "uninstall the package in this directory")
	rootCmd.AddCommand(uninstallCmd)
}

func runUninstall(cmd *cobra.Command, args []string) error {
	if flagUninstallTarget != "" {
		if len(args) != 0 {
			return fmt.Errorf("--target does not take arguments")
		}
		if err := installer.Uninstall(cmd.Context(), flagUninstallTarget, flagUninstallKeep); err != nil {
			return err
		}
		printOK("", "uninstalled "+flagUninstallTarget)
		return nil
	}
	if len(args) < 2 {
		return fmt.Errorf("requires a profile and at least one mod")
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	store := a.profiles()
	p, err := store.Find(args[0])
	if err != nil {
		return err
	}

	printSection("Uninstall from " + p.Name)
	var failed int
	for _, id := range args[1:] {
		if err := store.RemoveMod(cmd.Context(), p, id, flagUninstallKeep); err != nil {
			printErr(id, err.Error())
			failed++
			continue
		}
		printOK(id, "removed")
	}
	if failed > 0 {
		return fmt.Errorf("%d mod(s) could not be removed", failed)
	}
	return nil
}
