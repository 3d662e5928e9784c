package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/manderrow/manderrow/internal/installer"
	"github.com/manderrow/manderrow/internal/modindex"
	"github.com/manderrow/manderrow/internal/tasks"
)

var installCmd = &cobra.Command{
	Use:   "install <profile> <mod>...",
	Short: "Install mods and their dependencies into a profile",
	Long: `Install each mod, with its dependencies, into the profile. A mod is
given as owner-name (latest version) or owner-name-x.y.z.

Files you changed inside an already installed mod are kept when it is
updated.

With --url the artifact is installed straight into --target instead:
  manderrow install --url https://host/pkg.zip --target ./dir`,
	RunE: runInstall,
}

var (
	flagInstallURL    string
	flagInstallHash   string
	flagInstallTarget string
)

func init() {
	installCmd.Flags().StringVar(&flagInstallURL, "url", "", "install this zip artifact instead of a mod")
	installCmd.Flags().StringVar(&flagInstallHash, "hash", "", "expected BLAKE3 hex digest of --url")
	installCmd.Flags().StringVar(&flagInstallTarget, "target", "", "directory to install --url into")
	installCmd.MarkFlagsRequiredTogether("url", "target")
	rootCmd.AddCommand(installCmd)
}

func runInstall(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	inst, err := a.installer()
	if err != nil {
		return err
	}

	if flagInstallURL != "" {
		if len(args) != 0 {
			return fmt.Errorf("--url does not take arguments")
		}
		return installRaw(cmd.Context(), a, inst)
	}
	if len(args) < 2 {
		return fmt.Errorf("requires a profile and at least one mod")
	}

	store := a.profiles()
	p, err := store.Find(args[0])
	if err != nil {
		return err
	}
	g, err := a.game(p.Game)
	if err != nil {
		return err
	}
	snap, err := a.snapshot(cmd.Context(), g, false)
	if err != nil {
		return err
	}

	printSection("Install into " + p.Name)
	var failed int
	for _, ref := range args[1:] {
		task := a.tasks.Start(cmd.Context(), tasks.Metadata{
			Title:        "Install " + ref,
			Kind:         tasks.KindInstall,
			ProgressUnit: tasks.UnitOther,
		})
		pkgs, err := tasks.Run(task, func(ctx context.Context) ([]modindex.Package, error) {
			return store.AddMod(ctx, p, snap, inst, ref, task)
		})
		if err != nil {
			printErr(ref, err.Error())
			failed++
			continue
		}
		for _, pkg := range pkgs {
			printOK(pkg.Mod.ID().String(), "installed "+pkg.Version.Number().String())
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d mod(s) could not be installed", failed)
	}
	return nil
}

func installRaw(ctx context.Context, a *app, inst *installer.Installer) error {
	task := a.tasks.Start(ctx, tasks.Metadata{
		Title:        "Install " + flagInstallURL,
		Kind:         tasks.KindInstall,
		ProgressUnit: tasks.UnitBytes,
	})
	_, err := tasks.Run(task, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, inst.InstallZip(ctx, installer.Request{
			URL:    flagInstallURL,
			Hash:   flagInstallHash,
			Target: flagInstallTarget,
		}, task)
	})
	if err != nil {
		return err
	}
	printOK("", fmt.Sprintf("installed into %s", flagInstallTarget))
	return nil
}
