package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/manderrow/manderrow/internal/modindex"
)

var modsCmd = &cobra.Command{
	Use:   "mods",
	Short: "Browse a game's mod index",
}

var (
	flagModsFetchRefresh bool
	flagModsSort         string
	flagModsLimit        int
	flagModsOffset       int
	flagModsNSFW         bool
)

var modsFetchCmd = &cobra.Command{
	Use:   "fetch <game>",
	Short: "Download the mod index of a game",
	Long: `Download the game's mod index and store the archived copy in the
cache. Without --refresh a cached index is reused.`,
	Args: cobra.ExactArgs(1),
	RunE: runModsFetch,
}

var modsSearchCmd = &cobra.Command{
	Use:   "search <game> [query...]",
	Short: "Search a game's mods",
	Long: `Fuzzy-search mod names (and, with a lower weight, owners). An empty
query lists every mod.

--sort takes a comma-separated list of columns, each optionally suffixed
with :asc or :desc. Columns: relevance, name, owner, downloads, size.

Example:
  manderrow mods search lethal-company more company
  manderrow mods search lethal-company --sort downloads:desc --limit 20`,
	Args: cobra.MinimumNArgs(1),
	RunE: runModsSearch,
}

var modsInfoCmd = &cobra.Command{
	Use:   "info <game> <owner-name>",
	Short: "Show the details of one mod",
	Args:  cobra.ExactArgs(2),
	RunE:  runModsInfo,
}

func init() {
	modsFetchCmd.Flags().BoolVar(&flagModsFetchRefresh, "refresh", false, "download even when a cached index exists")
	modsSearchCmd.Flags().StringVar(&flagModsSort, "sort", "relevance:desc", "sort columns")
	modsSearchCmd.Flags().IntVar(&flagModsLimit, "limit", 25, "maximum number of results")
	modsSearchCmd.Flags().IntVar(&flagModsOffset, "offset", 0, "skip this many results")
	modsSearchCmd.Flags().BoolVar(&flagModsNSFW, "nsfw", false, "include mods with NSFW content")
	modsCmd.AddCommand(modsFetchCmd, modsSearchCmd, modsInfoCmd)
	rootCmd.AddCommand(modsCmd)
}

// parseSortOptions parses "col[:asc|:desc],..." into sort options. Relevance
// defaults to descending, every other column to ascending.
func parseSortOptions(s string) ([]modindex.SortOption, error) {
	var opts []modindex.SortOption
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, dir, hasDir := strings.Cut(part, ":")
		col, err := modindex.ParseColumn(name)
		if err != nil {
			return nil, err
		}
		opt := modindex.SortOption{Column: col, Descending: col == modindex.ColumnRelevance}
		if hasDir {
			switch strings.ToLower(dir) {
			case "asc":
				opt.Descending = false
			case "desc":
				opt.Descending = true
			default:
				return nil, fmt.Errorf("unknown sort direction %q (want asc or desc)", dir)
			}
		}
		opts = append(opts, opt)
	}
	return opts, nil
}

func runModsFetch(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	g, err := a.game(args[0])
	if err != nil {
		return err
	}
	start := time.Now()
	snap, err := a.snapshot(cmd.Context(), g, flagModsFetchRefresh)
	if err != nil {
		return err
	}
	printOK(g.ID, fmt.Sprintf("%d mods in %d chunk(s) (%s)", snap.Len(), len(snap), time.Since(start).Round(time.Millisecond)))
	return nil
}

func runModsSearch(cmd *cobra.Command, args []string) error {
	sortOpts, err := parseSortOptions(flagModsSort)
	if err != nil {
		return err
	}
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	g, err := a.game(args[0])
	if err != nil {
		return err
	}
	snap, err := a.snapshot(cmd.Context(), g, false)
	if err != nil {
		return err
	}

	query := strings.Join(args[1:], " ")
	results := modindex.Query(snap, query, sortOpts)
	if !flagModsNSFW {
		kept := results[:0]
		for _, r := range results {
			if !r.Mod.HasNSFWContent() {
				kept = append(kept, r)
			}
		}
		results = kept
	}
	printSearchResults(query, results, flagModsOffset, flagModsLimit)
	return nil
}

func printSearchResults(query string, results []modindex.Result, offset, limit int) {
	fmt.Fprintf(stdout, "\nmanderrow mods search %q\n\n", query)
	fmt.Fprintf(stdout, "Results (%d found):\n", len(results))
	if offset >= len(results) {
		return
	}
	page := results[offset:]
	if limit > 0 && len(page) > limit {
		page = page[:limit]
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	for i, r := range page {
		var flags string
		if r.Mod.IsPinned() {
			flags += " (pinned)"
		}
		if r.Mod.IsDeprecated() {
			flags += " (deprecated)"
		}
		latest, ok := r.Mod.Latest()
		if !ok {
			fmt.Fprintf(w, "  %d.\t%s\t-\t%d downloads\t-%s\n", offset+i+1, r.Mod.ID(), r.Mod.TotalDownloads(), flags)
			continue
		}
		fmt.Fprintf(w, "  %d.\t%s\t%s\t%d downloads\t%s%s\n",
			offset+i+1, r.Mod.ID(), latest.Number(), r.Mod.TotalDownloads(), humanBytes(latest.FileSize()), flags)
		if d := strings.TrimSpace(latest.Description()); d != "" {
			fmt.Fprintf(w, "  \t%s\n", dimStyle.Render(d))
		}
	}
	_ = w.Flush()
}

func runModsInfo(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	g, err := a.game(args[0])
	if err != nil {
		return err
	}
	i := strings.LastIndexByte(args[1], '-')
	if i <= 0 {
		return fmt.Errorf("mod id %q must be owner-name", args[1])
	}
	owner, name := args[1][:i], args[1][i+1:]
	snap, err := a.snapshot(cmd.Context(), g, false)
	if err != nil {
		return err
	}
	mods := modindex.Get(snap, []modindex.ModID{{Owner: owner, Name: name}})
	if mods[0] == nil {
		return fmt.Errorf("mod %s not found in the %s index", args[1], g.ID)
	}
	printModInfo(*mods[0])
	return nil
}

func printModInfo(m modindex.Mod) {
	printSection(m.ID().String())
	fmt.Fprintln(stdout)
	latest, hasLatest := m.Latest()
	printField("Owner", m.Owner())
	printField("Name", m.Name())
	if hasLatest {
		printField("Latest", latest.Number().String())
		printField("Description", latest.Description())
	}
	printField("Downloads", fmt.Sprintf("%d", m.TotalDownloads()))
	printField("Rating", fmt.Sprintf("%d", m.RatingScore()))
	printField("Created", m.DateCreated().Format(time.DateOnly))
	printField("Updated", m.DateUpdated().Format(time.DateOnly))
	if cats := m.Categories(); len(cats) > 0 {
		printField("Categories", strings.Join(cats, ", "))
	}
	if hasLatest {
		if u, ok := latest.WebsiteURL(); ok && u != "" {
			printField("Website", u)
		}
	}
	if u, ok := m.DonationLink(); ok {
		printField("Donate", u)
	}
	if m.IsDeprecated() {
		printWarn("", "this mod is deprecated")
	}

	if !hasLatest {
		return
	}
	if deps := latest.Dependencies(); len(deps) > 0 {
		printBullet(fmt.Sprintf("Dependencies (%d):", len(deps)))
		for _, d := range deps {
			fmt.Fprintf(stdout, "  - %s\n", d)
		}
	}

	printBullet(fmt.Sprintf("Versions (%d):", m.NumVersions()))
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	for i := 0; i < m.NumVersions(); i++ {
		v := m.Version(i)
		state := ""
		if !v.IsActive() {
			state = "inactive"
		}
		fmt.Fprintf(w, "  %s\t%s\t%d downloads\t%s\t%s\n",
			v.Number(), v.DateCreated().Format(time.DateOnly), v.Downloads(), humanBytes(v.FileSize()), state)
	}
	_ = w.Flush()
}
