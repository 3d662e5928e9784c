package cmd

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/manderrow/manderrow/internal/profile"
)

var profileCmd = &cobra.Command{
	Use:     "profile",
	Aliases: []string{"profiles"},
	Short:   "Manage mod profiles",
	Long: `A profile is a named set of mods for one game. Profiles are referred to
by name, id or id prefix.`,
}

var flagProfileGame string

var profileCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an empty profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileCreate,
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles",
	Args:  cobra.NoArgs,
	RunE:  runProfileList,
}

var profileShowCmd = &cobra.Command{
	Use:   "show <profile>",
	Short: "Show a profile and its mods",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileShow,
}

var profileRemoveCmd = &cobra.Command{
	Use:   "remove <profile>",
	Short: "Delete a profile and everything installed in it",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileRemove,
}

var profileImportCmd = &cobra.Command{
	Use:   "import-config <profile> <dir>",
	Short: "Copy mod configuration from another install into a profile",
	Long: `Copy the files under dir (usually an existing BepInEx/config directory)
into the profile's config directory. Files that already exist with
different content are left alone; the incoming copy is written next to
them as <name>.imported.<ext>.`,
	Args: cobra.ExactArgs(2),
	RunE: runProfileImport,
}

func init() {
	profileCreateCmd.Flags().StringVar(&flagProfileGame, "game", "", "game id from the catalog (required)")
	_ = profileCreateCmd.MarkFlagRequired("game")
	profileCmd.AddCommand(profileCreateCmd, profileListCmd, profileShowCmd, profileRemoveCmd, profileImportCmd)
	rootCmd.AddCommand(profileCmd)
}

func runProfileCreate(_ *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	if _, err := a.game(flagProfileGame); err != nil {
		return err
	}
	p, err := a.profiles().Create(args[0], flagProfileGame)
	if err != nil {
		return err
	}
	printOK(p.Name, fmt.Sprintf("created profile %s", p.ID))
	return nil
}

func runProfileList(_ *cobra.Command, _ []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	all, err := a.profiles().List()
	if err != nil {
		return err
	}
	printSection("Profiles")
	if len(all) == 0 {
		printMiss("", "no profiles; create one with 'manderrow profile create'")
		return nil
	}
	fmt.Fprintln(stdout)
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tNAME\tGAME\tMODS\tCREATED")
	for _, p := range all {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%d\t%s\n", p.ID.String()[:8], p.Name, p.Game, len(p.Mods), p.CreatedAt.Format(time.DateOnly))
	}
	return w.Flush()
}

func runProfileShow(_ *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	p, err := a.profiles().Find(args[0])
	if err != nil {
		return err
	}
	printSection(p.Name)
	fmt.Fprintln(stdout)
	printField("ID", p.ID.String())
	printField("Game", p.Game)
	printField("Directory", p.Dir())
	printField("Created", p.CreatedAt.Format(time.DateTime))
	printBullet(fmt.Sprintf("Mods (%d):", len(p.Mods)))
	for _, m := range p.Mods {
		fmt.Fprintf(stdout, "  - %s %s\n", m.ID, dimStyle.Render(m.Version))
	}
	return nil
}

func runProfileRemove(_ *cobra.Command, args []string) error {
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
	if err := store.Delete(p.ID); err != nil {
		return err
	}
	printOK(p.Name, "profile deleted")
	return nil
}

func runProfileImport(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	p, err := a.profiles().Find(args[0])
	if err != nil {
		return err
	}
	res, err := profile.ImportConfig(cmd.Context(), p, args[1])
	if err != nil {
		return fmt.Errorf("cannot import config: %w", err)
	}
	printSection("Import config into " + p.Name)
	for _, c := range res.Conflicts {
		rel, _ := filepath.Rel(p.ConfigDir(), c.Incoming)
		printWarn("conflict", rel)
	}
	printOK("", fmt.Sprintf("%d imported, %d already present, %d conflict(s)", res.Imported, res.Skipped, len(res.Conflicts)))
	return nil
}
