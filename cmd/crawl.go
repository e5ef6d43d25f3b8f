package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/recoverable-crawler/internal/app"
)

func newCrawlCmd() *cobra.Command {
	var (
		opts  app.CrawlOptions
		depth int
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Seeds the frontier and runs workers",
		Long: `Registers tasks, seeds the configured (or --seed) URLs and runs the
worker pool. Without --reset the crawl resumes from stored state; seeds that
already exist are not queued again.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("depth") {
				opts.Depth = &depth
			}
			if err := appInstance.Crawl(cmd.Context(), opts); err != nil {
				return fmt.Errorf("crawl: %w", err)
			}
			appInstance.Logger().Info("crawl command finished")
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.Reset, "reset", false, "drop all stored crawl state before starting")
	cmd.Flags().StringSliceVar(&opts.Seeds, "seed", nil, "seed URL (repeatable); overrides crawler.seeds")
	cmd.Flags().StringVar(&opts.Task, "task", "", "task name for seeds; overrides crawler.task")
	cmd.Flags().IntVar(&depth, "depth", 0, "seed depth; 0 or less is unbounded")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "worker count; overrides crawler.workers")
	cmd.Flags().BoolVar(&opts.UntilIdle, "until-idle", false, "stop at the first quiescence")
	return cmd
}
