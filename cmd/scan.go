package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/manderrow/manderrow/internal/installer"
)

var scanCmd = &cobra.Command{
	Use:   "scan <profile> [owner-name...]",
	Short: "Show files you changed inside installed mods",
	Long: `Compare each installed mod with the content index written when it was
installed and list what was modified, created or deleted since.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	p, err := a.profiles().Find(args[0])
	if err != nil {
		return err
	}

	ids := args[1:]
	if len(ids) == 0 {
		for _, m := range p.Mods {
			ids = append(ids, m.ID)
		}
	}

	printSection("Scan " + p.Name)
	var clean, changed, failed int
	for _, id := range ids {
		changes, err := installer.Scan(cmd.Context(), p.ModDir(id))
		var notFound *installer.IndexNotFoundError
		switch {
		case errors.As(err, &notFound):
			printMiss(id, "not installed")
			failed++
			continue
		case err != nil:
			printErr(id, err.Error())
			failed++
			continue
		}
		if len(changes) == 0 {
			clean++
			continue
		}
		changed++
		printBullet(fmt.Sprintf("%s (%d change(s)):", id, len(changes)))
		for _, c := range changes {
			printInfo(c.Kind.String(), c.Path)
		}
	}

	fmt.Fprintln(stdout)
	fmt.Fprintf(stdout, "  %d unchanged, %d changed, %d failed\n", clean, changed, failed)
	if failed > 0 {
		return fmt.Errorf("%d mod(s) could not be scanned", failed)
	}
	return nil
}
