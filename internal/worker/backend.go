package worker

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"bulk-post-scheduler/internal/telemetry"
)

const (
	DefaultBackendSchedule = "@every 5m"
	DefaultBackendMaxJobs  = 5
)

// Backend is the periodically invoked runtime. Each invocation claims and
// executes up to maxJobs ready jobs in sequence.
type Backend struct {
	proc     *Processor
	schedule string
	maxJobs  int
	log      zerolog.Logger

	mu sync.Mutex
}

func NewBackend(proc *Processor, schedule string, maxJobs int, log zerolog.Logger) *Backend {
	if schedule == "" {
		schedule = DefaultBackendSchedule
	}
	if maxJobs <= 0 {
		maxJobs = DefaultBackendMaxJobs
	}
	return &Backend{
		proc:     proc,
		schedule: schedule,
		maxJobs:  maxJobs,
		log:      log.With().Str("component", "backend").Logger(),
	}
}

// RunOnce is one invocation. Overlapping invocations in the same process
// are skipped.
func (b *Backend) RunOnce(ctx context.Context) (int, error) {
	if !b.mu.TryLock() {
		b.log.Debug().Msg("previous invocation still running")
		return 0, nil
	}
	defer b.mu.Unlock()

	b.reportDepth(ctx)
	ran, err := b.proc.RunReady(ctx, b.maxJobs)
	if err != nil && !errors.Is(err, context.Canceled) {
		b.log.Error().Err(err).Int("ran", ran).Msg("backend invocation")
		return ran, err
	}
	if ran > 0 {
		b.log.Info().Int("ran", ran).Msg("backend invocation finished")
	}
	return ran, err
}

// Run invokes RunOnce on the cron schedule until ctx is cancelled.
func (b *Backend) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(b.schedule, func() { _, _ = b.RunOnce(ctx) }); err != nil {
		return errors.Wrapf(err, "parse backend schedule %q", b.schedule)
	}
	c.Start()
	b.log.Info().Str("schedule", b.schedule).Int("max_jobs", b.maxJobs).Msg("backend runtime started")

	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

func (b *Backend) reportDepth(ctx context.Context) {
	if n, err := b.proc.store.CountReady(ctx, b.proc.now()); err == nil {
		telemetry.ReadyDepthGauge.Set(float64(n))
	}
}
