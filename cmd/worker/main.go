package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"bulk-post-scheduler/internal/app"
	"bulk-post-scheduler/internal/config"
	"bulk-post-scheduler/internal/logging"
	"bulk-post-scheduler/internal/telemetry"
	"bulk-post-scheduler/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type env struct {
	cfg config.Config
	log zerolog.Logger
	st  app.Store
	rdb *redis.Client
}

func (e *env) close() {
	if e.rdb != nil {
		_ = e.rdb.Close()
	}
	if e.st != nil {
		_ = e.st.Close()
	}
}

// setup loads config and opens the store; withRedis also connects Redis.
func setup(ctx context.Context, withRedis bool) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, log: logging.New(cfg.LogLevel, cfg.LogFormat)}
	if e.st, err = app.OpenStore(ctx, cfg); err != nil {
		return nil, err
	}
	if withRedis {
		if e.rdb, err = app.ConnectRedis(ctx, cfg); err != nil {
			e.close()
			return nil, err
		}
	}
	return e, nil
}

func (e *env) processor(ctx context.Context, runtime string) (*worker.Processor, error) {
	sub, err := app.NewSubmitter(ctx, e.cfg)
	if err != nil {
		return nil, err
	}
	return app.NewProcessor(e.cfg, e.st, e.rdb, sub, workerName(runtime), e.log), nil
}

func (e *env) serveMetrics() {
	if e.cfg.MetricsAddr == "" {
		return
	}
	srv := &http.Server{Addr: e.cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			e.log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "worker",
		Short:         "Runs the post queue processors",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(foregroundCmd(), backendCmd(), rebalanceCmd(), migrateCmd())
	return root
}

func foregroundCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "foreground",
		Short: "Poll for ready jobs and run one at a time",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer e.close()
			proc, err := e.processor(ctx, "foreground")
			if err != nil {
				return err
			}
			e.serveMetrics()
			return worker.NewForeground(proc, e.cfg.ForegroundPollInterval, e.log).Run(ctx)
		},
	}
}

func backendCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Run bounded batches of ready jobs on a cron schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer e.close()
			proc, err := e.processor(ctx, "backend")
			if err != nil {
				return err
			}
			backend := worker.NewBackend(proc, e.cfg.BackendSchedule, e.cfg.BackendMaxJobs, e.log)
			if once {
				ran, err := backend.RunOnce(ctx)
				e.log.Info().Int("ran", ran).Msg("backend pass done")
				return err
			}
			e.serveMetrics()
			return backend.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run a single invocation and exit")
	return cmd
}

func rebalanceCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "rebalance",
		Short: "Re-spread every pending job from now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx, false)
			if err != nil {
				return err
			}
			defer e.close()
			report, err := app.NewScheduler(e.cfg, e.st, e.log).Rebalance(ctx, owner)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Only rebalance this owner's jobs")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply store migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := setup(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer e.close()
			e.log.Info().Str("store", e.cfg.StoreDriver).Msg("migrations applied")
			return nil
		},
	}
}

func workerName(runtime string) string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	host, _ := os.Hostname()
	if host == "" {
		host = fmt.Sprintf("pid-%d", os.Getpid())
	}
	return runtime + "@" + host
}
