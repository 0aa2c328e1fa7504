package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/membank/internal/cache"
	"github.com/KafClaw/membank/internal/embedding"
	"github.com/KafClaw/membank/internal/jobs"
	"github.com/KafClaw/membank/internal/store"
)

var (
	jobTenant     string
	jobMode       string
	jobMaxEntries int
	jobMinRefs    int
	jobDays       int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Run lifecycle maintenance jobs",
}

var jobsSummarizeCmd = &cobra.Command{
	Use:   "summarize",
	Short: "Summarize scopes with recent activity",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📝 membank Summarize")
		runner, cleanup := newRunner()
		defer cleanup()

		created, err := runner.Summarize(cmd.Context(), jobTenant, jobMaxEntries, jobMode)
		if err != nil {
			fatal("Summarize failed: %v", err)
		}
		fmt.Println(color.GreenString("Created %d summaries.", len(created)))
	},
}

var jobsPromoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Promote frequently referenced task outcomes",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("⭐ membank Promote")
		runner, cleanup := newRunner()
		defer cleanup()

		promoted, err := runner.Promote(cmd.Context(), jobTenant, jobMinRefs, jobDays)
		if err != nil {
			fatal("Promote failed: %v", err)
		}
		fmt.Println(color.GreenString("Promoted %d entries.", len(promoted)))
	},
}

var jobsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete stale non-promoted chat turns",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🧹 membank Prune")
		runner, cleanup := newRunner()
		defer cleanup()

		results, err := runner.Prune(cmd.Context(), jobTenant, jobDays)
		if err != nil {
			fatal("Prune failed: %v", err)
		}
		var total int64
		for _, n := range results {
			total += n
		}
		fmt.Println(color.GreenString("Deleted %d chat turns across %d scopes.", total, len(results)))
	},
}

// newRunner connects the backends a job run needs and returns the
// runner plus a cleanup closing them.
func newRunner() (*jobs.Runner, func()) {
	settings, err := loadSettings()
	if err != nil {
		fatal("Config error: %v", err)
	}
	ctx := context.Background()

	pg, err := store.New(ctx, settings.PgDSN, settings.PgMinPool, settings.PgMaxPool)
	if err != nil {
		fatal("Postgres error: %v", err)
	}
	redisCache, err := cache.New(ctx, settings)
	if err != nil {
		pg.Close()
		fatal("Redis error: %v", err)
	}
	embedder, err := embedding.New(settings)
	if err != nil {
		pg.Close()
		redisCache.Close()
		fatal("Embedding error: %v", err)
	}

	runner := jobs.NewRunner(pg, redisCache, embedder, nil)
	return runner, func() {
		redisCache.Close()
		pg.Close()
	}
}

func init() {
	jobsCmd.PersistentFlags().StringVar(&jobTenant, "tenant", "", "tenant ID (required)")
	jobsCmd.MarkPersistentFlagRequired("tenant") //nolint:errcheck

	jobsSummarizeCmd.Flags().StringVar(&jobMode, "mode", "brief", "summary mode: brief or full")
	jobsSummarizeCmd.Flags().IntVar(&jobMaxEntries, "max-entries", 50, "max entries per scope")
	jobsPromoteCmd.Flags().IntVar(&jobMinRefs, "min-refs", 3, "minimum inbound references")
	jobsPromoteCmd.Flags().IntVar(&jobDays, "days", 30, "lookback window in days")
	jobsPruneCmd.Flags().IntVar(&jobDays, "days", 30, "age threshold in days")

	jobsCmd.AddCommand(jobsSummarizeCmd)
	jobsCmd.AddCommand(jobsPromoteCmd)
	jobsCmd.AddCommand(jobsPruneCmd)
}
