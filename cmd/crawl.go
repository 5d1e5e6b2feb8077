// Package cmd defines and implements the CLI commands for the kbcrawler executable.
package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Dankin/vmware-kb/internal/dispatcher"
)

// newCrawlCmd creates the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	var start, end int
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl an inclusive range of article ids",
		Long: `Fans the ids start..end out to the worker pool. Articles already in the
store are skipped without a request. Interrupting the command stops dispatch;
ids in flight are finished before it exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if start < 1 {
				return fmt.Errorf("--start must be >= 1, got %d", start)
			}
			if start > end {
				return fmt.Errorf("--start (%d) must not exceed --end (%d)", start, end)
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sum, err := appInstance.Crawl(cmd.Context(), start, end)
			printSummary(cmd, sum)
			if err != nil {
				return fmt.Errorf("run crawler: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&start, "start", 1, "first article id")
	cmd.Flags().IntVar(&end, "end", 0, "last article id (inclusive)")
	cmd.Flags().Int("workers", 0, "worker pool size (overrides crawler.workers)")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func printSummary(cmd *cobra.Command, sum dispatcher.Summary) {
	zap.L().Info("crawl command finished", zap.String("run_id", sum.RunID.String()))
	fmt.Fprintf(cmd.OutOrStdout(),
		"run %s: %d succeeded, %d skipped, %d failed (%d timed out) in %s, %.1f/s\n",
		sum.RunID, sum.Succeeded, sum.Skipped, sum.Failed, sum.TimedOut,
		sum.Elapsed.Round(time.Millisecond), sum.Rate())
}
