package ratelimit

import (
	"context"
	"time"
)

// DefaultBackoff is the fixed suspension applied to a rate-limited job.
const DefaultBackoff = 60 * time.Minute

// Backoff suspends a job for a fixed delay. The zero value waits
// DefaultBackoff on the wall clock.
type Backoff struct {
	Delay time.Duration
	Now   func() time.Time
	After func(time.Duration) <-chan time.Time
}

// ResumesAt is when a suspension starting now would end.
func (b Backoff) ResumesAt() time.Time {
	return b.now().Add(b.delay())
}

// Wait blocks for the delay. onSuspend, when set, is told the resume time
// before blocking. It returns ctx.Err() if cancelled first.
func (b Backoff) Wait(ctx context.Context, onSuspend func(resumesAt time.Time)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if onSuspend != nil {
		onSuspend(b.ResumesAt())
	}
	after := b.After
	if after == nil {
		timer := time.NewTimer(b.delay())
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-after(b.delay()):
		return nil
	}
}

func (b Backoff) delay() time.Duration {
	if b.Delay <= 0 {
		return DefaultBackoff
	}
	return b.Delay
}

func (b Backoff) now() time.Time {
	if b.Now == nil {
		return time.Now()
	}
	return b.Now()
}
