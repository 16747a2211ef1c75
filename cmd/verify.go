package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cellwatch/cellwatch/internal/borders"
	"github.com/cellwatch/cellwatch/internal/model"
	"github.com/cellwatch/cellwatch/internal/operators"
	"github.com/cellwatch/cellwatch/internal/verify"
	"github.com/cellwatch/cellwatch/pkg/als"
	"github.com/cellwatch/cellwatch/pkg/geocode"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run the verification pipelines",
	Long:  "Runs the technical and heuristic pipelines as concurrent workers until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("verify"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return err
		}

		registry, err := operators.NewRegistry()
		if err != nil {
			return err
		}

		client := als.NewClient(
			als.WithBaseURL(cfg.ALS.BaseURL),
			als.WithRateLimit(cfg.ALS.RatePerSec),
		)
		reverser := geocode.NewCache(geocode.NewReverser(
			geocode.WithBaseURL(cfg.Geocode.BaseURL),
			geocode.WithRateLimit(cfg.Geocode.RatePerSec),
		))
		dataset := borders.NewDataset(cfg.Borders.ShapefilePath)
		mode := model.CollectionMode(cfg.Verify.Mode)

		runnerCfg := verify.RunnerConfig{
			AttemptTimeout: time.Duration(cfg.Verify.AttemptTimeoutSecs) * time.Second,
			IdleBackoff:    time.Duration(cfg.Verify.IdleBackoffMillis) * time.Millisecond,
			ImportBackoff:  time.Duration(cfg.Verify.ImportBackoffMillis) * time.Millisecond,
		}

		primary := verify.NewRunner(verify.NewPrimaryPipeline(st, client, mode), st, runnerCfg)
		heuristic := verify.NewRunner(verify.NewHeuristicPipeline(st, reverser, registry, dataset), st, runnerCfg)

		zap.L().Info("starting pipeline runners", zap.String("mode", cfg.Verify.Mode))

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return primary.Run(gctx) })
		g.Go(func() error { return heuristic.Run(gctx) })

		err = g.Wait()
		zap.L().Info("pipeline runners stopped",
			zap.Int64("primary_processed", primary.Metrics().Snapshot().Processed),
			zap.Int64("heuristic_processed", heuristic.Metrics().Snapshot().Processed),
		)
		return err
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
