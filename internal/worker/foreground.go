package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"bulk-post-scheduler/internal/models"
)

// DefaultPollInterval is the foreground tick.
const DefaultPollInterval = 500 * time.Millisecond

// Foreground polls continuously and runs at most one job at a time. A tick
// that finds a job already running does nothing.
type Foreground struct {
	proc     *Processor
	interval time.Duration
	log      zerolog.Logger

	busy atomic.Bool
	wg   sync.WaitGroup
}

func NewForeground(proc *Processor, interval time.Duration, log zerolog.Logger) *Foreground {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Foreground{
		proc:     proc,
		interval: interval,
		log:      log.With().Str("component", "foreground").Logger(),
	}
}

// Run ticks until ctx is cancelled, then waits for the running job to stop.
func (f *Foreground) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.log.Info().Dur("interval", f.interval).Msg("foreground runtime started")
	for {
		select {
		case <-ctx.Done():
			f.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			f.Tick(ctx)
		}
	}
}

// Tick picks the next ready job and starts it in the background. It
// reports whether a job was started.
func (f *Foreground) Tick(ctx context.Context) bool {
	if !f.busy.CompareAndSwap(false, true) {
		return false
	}
	jobs, err := f.proc.Ready(ctx, 1)
	if err != nil || len(jobs) == 0 {
		if err != nil && ctx.Err() == nil {
			f.log.Error().Err(err).Msg("list ready jobs")
		}
		f.busy.Store(false)
		return false
	}

	job := jobs[0]
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer f.busy.Store(false)
		if _, err := f.proc.ClaimAndRun(ctx, job); err != nil && !errors.Is(err, models.ErrClaimConflict) && ctx.Err() == nil {
			f.log.Error().Err(err).Str("job_id", job.ID).Msg("job run failed")
		}
	}()
	return true
}

// Busy reports whether a job is running.
func (f *Foreground) Busy() bool { return f.busy.Load() }

// Wait blocks until the running job, if any, returns.
func (f *Foreground) Wait() { f.wg.Wait() }
