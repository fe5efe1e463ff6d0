package planner

import (
	"time"

	"bulk-post-scheduler/internal/models"
	"bulk-post-scheduler/internal/window"
)

// Step returns the gap between consecutive post times for a strategy.
func Step(strategy models.Strategy, s models.Settings) time.Duration {
	if strategy == models.StrategyBatch {
		return time.Duration(s.PostIntervalMinutes) * time.Minute
	}
	return time.Duration(s.IntervalHours * float64(time.Hour))
}

// Timeline returns n normalized post times. The first is first itself
// normalized, every later one is the previous plus step, normalized again.
// Normalizing after every increment keeps long sequences from drifting out
// of the window.
func Timeline(first time.Time, n int, step time.Duration, loc *time.Location, w window.Window) []time.Time {
	if n <= 0 {
		return nil
	}
	out := make([]time.Time, n)
	cur := w.Normalize(first, loc)
	for i := range out {
		if i > 0 {
			cur = w.Normalize(cur.Add(step), loc)
		}
		out[i] = cur
	}
	return out
}

// ProcessingTimes returns when each of n batch jobs becomes claimable:
// now, now+spacing, now+2*spacing, ...
func ProcessingTimes(now time.Time, n int, spacing time.Duration) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = now.Add(time.Duration(i) * spacing)
	}
	return out
}

// PostBaselines returns the post time of the first item of each batch when
// the batches, unrolled in order, form one continuous timeline starting at
// first.
func PostBaselines(first time.Time, sizes []int, step time.Duration, loc *time.Location, w window.Window) []time.Time {
	total := 0
	for _, n := range sizes {
		total += n
	}
	line := Timeline(first, total, step, loc, w)
	out := make([]time.Time, len(sizes))
	idx := 0
	for k, n := range sizes {
		if idx >= len(line) {
			// Empty trailing batches inherit where the line left off.
			out[k] = nextAfter(line, step, loc, w, first)
			continue
		}
		out[k] = line[idx]
		idx += n
	}
	return out
}

func nextAfter(line []time.Time, step time.Duration, loc *time.Location, w window.Window, first time.Time) time.Time {
	if len(line) == 0 {
		return w.Normalize(first, loc)
	}
	return w.Normalize(line[len(line)-1].Add(step), loc)
}

// ItemPostTimes computes the target post time of every item in a payload at
// execution time. A zero entry for the first item of a first-now job is
// never produced; it gets now, which callers treat as immediate.
func ItemPostTimes(p models.JobPayload, now time.Time, loc *time.Location, w window.Window) []time.Time {
	n := len(p.Items)
	if n == 0 {
		return nil
	}
	step := Step(p.Strategy, p.Settings)
	if p.PostBaseline != nil {
		return Timeline(*p.PostBaseline, n, step, loc, w)
	}
	start := p.Settings.StartTime
	if start.IsZero() {
		start = now
	}
	if p.Strategy == models.StrategyFirstNow {
		out := make([]time.Time, 0, n)
		out = append(out, now)
		return append(out, Timeline(start.Add(step), n-1, step, loc, w)...)
	}
	return Timeline(start, n, step, loc, w)
}
