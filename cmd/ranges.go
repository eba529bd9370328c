package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/econ-calendar-crawler/internal/app"
	"github.com/JakeFAU/econ-calendar-crawler/internal/backfill"
	"github.com/JakeFAU/econ-calendar-crawler/internal/clock/system"
	"github.com/JakeFAU/econ-calendar-crawler/internal/crawler"
	"github.com/JakeFAU/econ-calendar-crawler/internal/id/uuid"
)

func newRangesCmd(cfgFile *string) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "ranges",
		Short: "Prints the ranges a run would fetch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd, *cfgFile)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if opts.resume == "" {
				if opts.onlyFailed {
					return fmt.Errorf("%w: --only-failed requires --resume", crawler.ErrInvalidConfig)
				}
				r := cfg.Range()
				for i, dr := range crawler.Partition(r.Start, r.End, cfg.Job.ChunkDays) {
					fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%d days\n", i+1, dr, dr.Days())
				}
				return nil
			}

			services, err := app.NewApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer func() { _ = services.Close() }()

			engine, err := backfill.New(engineConfig(cfg, opts), backfill.Deps{
				Sessions:  services.Sessions(),
				Sink:      services.Sink(),
				Manifests: services.Manifests(),
				Clock:     system.New(),
				IDs:       uuid.New(),
			}, logger)
			if err != nil {
				return err
			}
			pending, carried, err := engine.Plan(cmd.Context())
			if err != nil {
				return err
			}
			for i, dr := range pending {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%d days\n", i+1, dr, dr.Days())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %d pending, %d already done\n", len(pending), len(carried))
			return nil
		},
	}
	addJobFlags(cmd)
	cmd.Flags().StringVar(&opts.resume, "resume", "", "run ID whose manifest filters the ranges")
	cmd.Flags().BoolVar(&opts.onlyFailed, "only-failed", false, "with --resume, list only the failed ranges")
	return cmd
}
