package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ledger-crawler/internal/app"
)

// newCrawlCmd creates the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	var (
		seeds   []string
		refresh bool
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Resume unfinished pages, then crawl the configured seeds",
		Long: `Resubmits every page the ledger still marks in_progress and then crawls
the seed URLs. Pages already processed in earlier runs are skipped unless
refresh mode revisits them.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			cfg := rt.cfg
			if cmd.Flags().Changed("seed") {
				cfg.Crawler.Seeds = seeds
			}
			if cmd.Flags().Changed("refresh") {
				cfg.Crawler.RefreshMode = refresh
			}

			a, err := app.Build(cmd.Context(), cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("build crawler: %w", err)
			}
			defer a.Close(cmd.Context())

			reason, err := a.Run(cmd.Context())
			if err != nil {
				return fmt.Errorf("run crawler: %w", err)
			}
			rt.logger.Info("crawl command finished", zap.String("reason", reason))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&seeds, "seed", nil, "seed URL (repeatable); overrides crawler.seeds")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "revisit category pages; overrides crawler.refresh_mode")
	return cmd
}
