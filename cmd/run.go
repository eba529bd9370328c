package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/econ-calendar-crawler/internal/api"
	"github.com/JakeFAU/econ-calendar-crawler/internal/app"
	"github.com/JakeFAU/econ-calendar-crawler/internal/backfill"
	"github.com/JakeFAU/econ-calendar-crawler/internal/clock/system"
	"github.com/JakeFAU/econ-calendar-crawler/internal/config"
	"github.com/JakeFAU/econ-calendar-crawler/internal/crawler"
	"github.com/JakeFAU/econ-calendar-crawler/internal/id/uuid"
	"github.com/JakeFAU/econ-calendar-crawler/internal/logging"
)

type runOptions struct {
	resume     string
	onlyFailed bool
	apiKey     string
}

func newRunCmd(cfgFile *string) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs a backfill",
		Long: `Partitions the configured span, fetches every range and writes
checkpoints as ranges complete. With --resume, ranges the earlier run finished
are skipped; adding --only-failed re-runs just that run's failed ranges.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBackfill(cmd, *cfgFile, opts)
		},
	}
	addJobFlags(cmd)
	cmd.Flags().Int("attempts", 0, "attempts per range before it is marked failed")
	cmd.Flags().Duration("base-delay", 0, "linear backoff step between attempts")
	cmd.Flags().Duration("deadline", 0, "overall time budget; zero means none")
	cmd.Flags().Int("interval", 0, "completed ranges between periodic checkpoints")
	cmd.Flags().String("fetcher", "", "fetcher kind (headless or http)")
	cmd.Flags().String("status-addr", "", "serve progress and metrics on this address")
	cmd.Flags().StringVar(&opts.resume, "resume", "", "run ID whose manifest seeds this run")
	cmd.Flags().BoolVar(&opts.onlyFailed, "only-failed", false, "with --resume, re-run only the failed ranges")
	cmd.Flags().StringVar(&opts.apiKey, "status-api-key", "", "API key required by the status server")
	return cmd
}

func addJobFlags(cmd *cobra.Command) {
	cmd.Flags().String("start", "", "first day of the span (YYYY-MM-DD)")
	cmd.Flags().String("end", "", "last day of the span (YYYY-MM-DD)")
	cmd.Flags().Int("chunk-days", 0, "days past the start of each range")
	cmd.Flags().Int("workers", 0, "maximum ranges fetched concurrently")
}

func runBackfill(cmd *cobra.Command, cfgFile string, opts runOptions) error {
	cfg, logger, err := setup(cmd, cfgFile)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if opts.resume != "" && !uuid.Valid(opts.resume) {
		return fmt.Errorf("%w: --resume %q is not a run ID", crawler.ErrInvalidConfig, opts.resume)
	}

	ctx := cmd.Context()
	services, err := app.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() { _ = services.Close() }()

	engine, err := backfill.New(engineConfig(cfg, opts), backfill.Deps{
		Sessions:  services.Sessions(),
		Sink:      services.Sink(),
		Manifests: services.Manifests(),
		Reports:   services.Reports(),
		Publisher: services.Publisher(),
		Clock:     system.New(),
		IDs:       uuid.New(),
	}, logger.Named("backfill"))
	if err != nil {
		return err
	}

	if cfg.Status.Addr != "" {
		statusCtx, stopStatus := context.WithCancel(ctx)
		defer stopStatus()
		server := api.NewServer(engine, api.Options{APIKey: opts.apiKey}, logging.ForRun(logger, engine.RunID()).Named("status"))
		go func() {
			if err := server.Serve(statusCtx, cfg.Status.Addr); err != nil {
				logger.Error("status server failed", zap.Error(err))
			}
		}()
	}

	report, err := engine.Run(ctx)
	if err != nil {
		return fmt.Errorf("run backfill: %w", err)
	}
	printReport(cmd.OutOrStdout(), report)
	return nil
}

func engineConfig(cfg config.Config, opts runOptions) backfill.Config {
	return backfill.Config{
		Range:              cfg.Range(),
		ChunkDays:          cfg.Job.ChunkDays,
		MaxWorkers:         cfg.Job.MaxWorkers,
		MaxAttempts:        cfg.Job.MaxAttempts,
		BaseDelay:          cfg.Job.BaseDelay,
		CheckpointInterval: cfg.Checkpoint.Interval,
		Deadline:           cfg.Job.Deadline,
		ResumeFrom:         opts.resume,
		OnlyFailed:         opts.onlyFailed,
		ReportTopic:        cfg.PubSub.TopicName,
	}
}

func printReport(w io.Writer, r crawler.Report) {
	fmt.Fprintf(w, "run %s\n", r.RunID)
	fmt.Fprintf(w, "  ranges:    %d scheduled, %d succeeded, %d skipped, %d failed (%d cancelled)\n",
		r.Tasks, r.Succeeded, r.Skipped, len(r.Failed), r.Cancelled)
	fmt.Fprintf(w, "  records:   %d\n", r.TotalRecords)
	fmt.Fprintf(w, "  elapsed:   %s (%.2f minutes)\n", r.Elapsed.Round(time.Millisecond), r.Elapsed.Minutes())
	fmt.Fprintf(w, "  rate:      %.2f records/s\n", r.RecordsPerSecond)
	fmt.Fprintf(w, "  checkpoints: %d\n", r.Checkpoints)
	for _, f := range r.Failed {
		fmt.Fprintf(w, "  failed %s: %s\n", f.Range, f.Reason)
	}
}
