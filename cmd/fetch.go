package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newFetchCmd creates the 'fetch' subcommand.
func newFetchCmd() *cobra.Command {
	var (
		id    int
		force bool
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Crawl a single article id",
		Long: `Processes one article id. With --force the stored article, its product
links and its search row are deleted first so the page is fetched again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if id < 1 {
				return fmt.Errorf("--id must be >= 1, got %d", id)
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sum, err := appInstance.Fetch(cmd.Context(), id, force)
			printSummary(cmd, sum)
			if err != nil {
				return fmt.Errorf("fetch kb %d: %w", id, err)
			}
			if sum.Failed > 0 {
				return fmt.Errorf("kb %d failed", id)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&id, "id", 0, "article id")
	cmd.Flags().BoolVar(&force, "force", false, "delete the stored article before fetching")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
