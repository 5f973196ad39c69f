package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-link-downloader/internal/helpers"
	"go-link-downloader/internal/metrics"
	"go-link-downloader/internal/models"
)

var visitsCmd = &cobra.Command{
	Use:   "visits",
	Short: "Query recorded download sessions",
	Long: `Reads the local visit store written by "serve" when VisitStoreEnabled is set.
The store is locked while a server is running; stop it or query a copy.`,
}

var visitsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List visits for a day, newest first",
	Args:  cobra.NoArgs,
	RunE:  runVisitsList,
}

var visitsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize visits for a day",
	Args:  cobra.NoArgs,
	RunE:  runVisitsStats,
}

var visitsSearchCmd = &cobra.Command{
	Use:   "search [QUERY]",
	Short: "Full-text search over visit titles, links and errors",
	Long: `Searches the visit index. Plain words match any field; use field syntax
to narrow, e.g. '+titles:remix' or '+clientIp:"10.0.0.1"'.`,
	Args: cobra.ExactArgs(1),
	RunE: runVisitsSearch,
}

func init() {
	rootCmd.AddCommand(visitsCmd)
	visitsCmd.AddCommand(visitsListCmd)
	visitsCmd.AddCommand(visitsStatsCmd)
	visitsCmd.AddCommand(visitsSearchCmd)

	for _, c := range []*cobra.Command{visitsListCmd, visitsStatsCmd} {
		c.Flags().String("date", "", "Day to query, YYYY-MM-DD (default: today, UTC)")
		c.Flags().Bool("all", false, "Query every recorded day")
	}
	visitsListCmd.Flags().Int("limit", 100, "Maximum number of visits to show")
	visitsListCmd.Flags().Bool("json", false, "Output as JSON")
	visitsStatsCmd.Flags().Int("top", 10, "Number of most requested titles to show")
	visitsSearchCmd.Flags().Int("limit", 20, "Maximum number of results")
	visitsSearchCmd.Flags().Bool("json", false, "Output as JSON")
}

func openVisits() (*metrics.VisitStore, error) {
	store, err := metrics.OpenVisitStore(globalConfig.DatabasePath, globalConfig.IndexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open visit store at %s: %w", globalConfig.DatabasePath, err)
	}
	return store, nil
}

// dateFilter resolves --date/--all to a key date, empty meaning every day.
func dateFilter(cmd *cobra.Command) (string, error) {
	if all, _ := cmd.Flags().GetBool("all"); all {
		return "", nil
	}
	date, _ := cmd.Flags().GetString("date")
	if date == "" {
		return time.Now().UTC().Format("2006-01-02"), nil
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return "", fmt.Errorf("invalid --date %q, expected YYYY-MM-DD", date)
	}
	return date, nil
}

func runVisitsList(cmd *cobra.Command, args []string) error {
	date, err := dateFilter(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")

	store, err := openVisits()
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(date, limit)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(records)
	}
	if len(records) == 0 {
		fmt.Println("No visits found")
		return nil
	}
	printVisits(records)
	return nil
}

func runVisitsStats(cmd *cobra.Command, args []string) error {
	date, err := dateFilter(cmd)
	if err != nil {
		return err
	}
	top, _ := cmd.Flags().GetInt("top")

	store, err := openVisits()
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(date, 0)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No visits found")
		return nil
	}

	stats := metrics.Summarize(records, top)
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Total visits:\t%d\n", stats.TotalVisits)
	fmt.Fprintf(tw, "Unique IPs:\t%d\n", stats.UniqueIPs)
	fmt.Fprintf(tw, "Links submitted:\t%d\n", stats.TotalLinks)
	fmt.Fprintf(tw, "Files produced:\t%d\n", stats.TotalFiles)
	fmt.Fprintf(tw, "Successful sessions:\t%d\n", stats.Successful)
	fmt.Fprintf(tw, "Failed sessions:\t%d\n", stats.TotalVisits-stats.Successful)
	fmt.Fprintf(tw, "Success rate:\t%.1f%%\n", stats.SuccessRate)
	fmt.Fprintf(tw, "Period:\t%s .. %s\n", stats.FirstTimestamp, stats.LastTimestamp)
	tw.Flush()

	if len(stats.TopTitles) > 0 {
		fmt.Printf("\nTop %d titles:\n", len(stats.TopTitles))
		for i, tc := range stats.TopTitles {
			fmt.Printf("  %d. %s (%d)\n", i+1, tc.Title, tc.Count)
		}
	}
	return nil
}

func runVisitsSearch(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")

	store, err := openVisits()
	if err != nil {
		return err
	}
	defer store.Close()

	log.Debugf("Searching visits for %q", args[0])
	records, err := store.Search(args[0], limit)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(records)
	}
	if len(records) == 0 {
		fmt.Println("No matching visits")
		return nil
	}
	printVisits(records)
	return nil
}

func printVisits(records []models.VisitRecord) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Time (UTC)\tSession\tClient IP\tLinks\tFiles\tArchive\tResult\tTitles")
	fmt.Fprintln(tw, "----------\t-------\t---------\t-----\t-----\t-------\t------\t------")
	for _, rec := range records {
		result := "ok"
		if !rec.Success {
			result = fmt.Sprintf("failed (%d errors)", len(rec.Errors))
		}
		archiveSize := "-"
		if rec.ArchiveBytes > 0 {
			archiveSize = helpers.SizeOf(rec.ArchiveBytes)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			rec.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			rec.SessionID,
			rec.ClientIP,
			len(rec.Links),
			rec.FilesProduced,
			archiveSize,
			result,
			helpers.Truncate(strings.Join(rec.Titles, ", "), 60),
		)
	}
	tw.Flush()
	fmt.Printf("\nTotal: %d visit(s)\n", len(records))
}

func writeJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
