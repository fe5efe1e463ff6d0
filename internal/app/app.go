// Package app assembles the queue components from a Config. Both binaries
// go through it so the API and the workers agree on store, window and
// limits.
package app

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"bulk-post-scheduler/internal/config"
	"bulk-post-scheduler/internal/kv"
	"bulk-post-scheduler/internal/planner"
	"bulk-post-scheduler/internal/ratelimit"
	"bulk-post-scheduler/internal/scheduler"
	"bulk-post-scheduler/internal/store"
	"bulk-post-scheduler/internal/submit"
	"bulk-post-scheduler/internal/worker"
)

// Store is a queue store that can apply its own migrations.
type Store interface {
	store.Store
	Migrate(ctx context.Context) error
}

// OpenStore connects the driver selected by STORE_DRIVER and migrates it.
func OpenStore(ctx context.Context, cfg config.Config) (Store, error) {
	var (
		st  Store
		err error
	)
	switch strings.ToLower(cfg.StoreDriver) {
	case "postgres":
		var pg *store.Postgres
		if pg, err = store.NewPostgres(ctx, cfg.PostgresDSN); err == nil {
			st = pg
			err = pg.Migrate(ctx)
		}
	case "sqlite":
		// OpenSQLite migrates on open.
		st, err = store.OpenSQLite(ctx, cfg.SQLitePath, cfg.SQLiteBusyTimeout)
	default:
		return nil, errors.Newf("unknown store driver %q", cfg.StoreDriver)
	}
	if err != nil {
		if st != nil {
			_ = st.Close()
		}
		return nil, errors.Wrapf(err, "open %s store", cfg.StoreDriver)
	}
	return st, nil
}

// ConnectRedis dials REDIS_URL with the configured retry policy.
func ConnectRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	return kv.Connect(ctx, kv.Config{
		URL:            cfg.RedisURL,
		RetryAttempts:  cfg.RedisRetryAttempts,
		RetryInterval:  cfg.RedisRetryInterval,
		ConnectTimeout: cfg.RedisConnectTimeout,
	})
}

func NewPlanner(cfg config.Config) *planner.Planner {
	return planner.New(
		planner.Limits{BatchSize: cfg.BatchSize, BatchSpacing: cfg.BatchSpacing},
		planner.WithWindow(cfg.Window()),
	)
}

func NewScheduler(cfg config.Config, st store.Store, log zerolog.Logger) *scheduler.Service {
	return scheduler.New(st, NewPlanner(cfg),
		scheduler.WithLogger(log),
		scheduler.WithRebalanceOptions(planner.RebalanceOptions{
			Buffer:  cfg.RebalanceBuffer,
			Spacing: cfg.RebalanceSpacing,
		}),
	)
}

// NewPlanLimiter guards plan intake per owner.
func NewPlanLimiter(cfg config.Config, rdb redis.Scripter) *ratelimit.TokenBucket {
	return ratelimit.NewTokenBucket(rdb, "plan_rate:", cfg.PlanRateCapacity, cfg.PlanRateRefill, cfg.PlanRateTTL)
}

// NewSubmitter builds the platform client. Media staging is enabled only
// when a bucket is configured.
func NewSubmitter(ctx context.Context, cfg config.Config) (*submit.HTTPSubmitter, error) {
	var stager *submit.MediaStager
	if cfg.MediaS3Bucket != "" {
		uploader, err := submit.NewS3Uploader(ctx, submit.S3Config{
			Bucket:        cfg.MediaS3Bucket,
			Region:        cfg.MediaS3Region,
			Endpoint:      cfg.MediaS3Endpoint,
			PathStyle:     cfg.MediaS3PathStyle,
			PublicBaseURL: cfg.MediaPublicBaseURL,
		})
		if err != nil {
			return nil, err
		}
		stager = submit.NewMediaStager(submit.MediaConfig{
			MaxWidth:        cfg.MediaMaxWidth,
			MaxHeight:       cfg.MediaMaxHeight,
			MaxBytes:        cfg.MediaMaxBytes,
			DownloadTimeout: cfg.MediaDownloadTimeout,
			KeyPrefix:       cfg.MediaKeyPrefix,
		}, uploader)
	}
	return submit.NewHTTPSubmitter(submit.HTTPConfig{
		BaseURL:           cfg.SubmitBaseURL,
		Timeout:           cfg.SubmitTimeout,
		RequestsPerSecond: cfg.SubmitRPS,
		Burst:             cfg.SubmitBurst,
	}, stager, ratelimit.DefaultClassifier), nil
}

// NewProcessor wires the job processor against Redis-held item statuses,
// credentials and suspensions.
func NewProcessor(cfg config.Config, st store.Store, rdb redis.Cmdable, sub submit.Submitter, name string, log zerolog.Logger) *worker.Processor {
	return worker.NewProcessor(st, kv.NewItemStatuses(rdb, cfg.ItemStatusKey), sub,
		worker.WithName(name),
		worker.WithLogger(log),
		worker.WithCredentials(kv.NewCredentials(rdb, cfg.CredentialsPrefix)),
		worker.WithSuspensionRecorder(kv.NewSuspensions(rdb, cfg.SuspensionsKey)),
		worker.WithBackoff(ratelimit.Backoff{Delay: cfg.RateLimitBackoff}),
		worker.WithWindow(cfg.Window()),
		worker.WithRequeueDelay(cfg.RequeueDelay),
		worker.WithImmediateBuffer(cfg.ImmediateBuffer),
		worker.WithStaleAfter(cfg.StaleAfter),
	)
}
