package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and prune the artifact cache",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached artifacts, most recently used first",
	Args:  cobra.NoArgs,
	RunE:  runCacheList,
}

var flagCacheMaxAge time.Duration

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete artifacts that have not been used recently",
	Long: `Delete cached artifacts not used by an install within --max-age.
Installed mods are unaffected; pruned artifacts are downloaded again when
needed.

Examples:
  manderrow cache prune
  manderrow cache prune --max-age 72h`,
	Args: cobra.NoArgs,
	RunE: runCachePrune,
}

func init() {
	cachePruneCmd.Flags().DurationVar(&flagCacheMaxAge, "max-age", 30*24*time.Hour, "keep artifacts used within this duration")
	cacheCmd.AddCommand(cacheListCmd, cachePruneCmd)
	rootCmd.AddCommand(cacheCmd)
}

func runCacheList(cmd *cobra.Command, _ []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	c, err := a.artifactCache()
	if err != nil {
		return err
	}
	entries, err := c.Entries(cmd.Context())
	if err != nil {
		return err
	}
	printSection("Artifact cache")
	printField("Directory", c.Dir())
	if len(entries) == 0 {
		printMiss("", "cache is empty")
		return nil
	}
	var total uint64
	fmt.Fprintln(stdout)
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  HASH\tSIZE\tLAST USED\tURL")
	for _, e := range entries {
		total += uint64(e.Size)
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", e.Hash[:12], humanBytes(uint64(e.Size)), e.LastUsed.Format(time.DateTime), e.URL)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "\n  %d artifact(s), %s\n", len(entries), humanBytes(total))
	return nil
}

func runCachePrune(cmd *cobra.Command, _ []string) error {
	if flagCacheMaxAge < 0 {
		return fmt.Errorf("--max-age must not be negative")
	}
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	c, err := a.artifactCache()
	if err != nil {
		return err
	}
	n, freed, err := c.Prune(cmd.Context(), flagCacheMaxAge)
	if err != nil {
		return err
	}
	if n == 0 {
		printSkip("", "nothing to prune")
		return nil
	}
	printOK("", fmt.Sprintf("pruned %d artifact(s), freed %s", n, humanBytes(uint64(freed))))
	return nil
}
