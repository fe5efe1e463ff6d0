package planner

import (
	"sort"
	"time"

	"bulk-post-scheduler/internal/models"
	"bulk-post-scheduler/internal/window"
)

// RebalanceOptions controls how pending jobs are re-spread.
type RebalanceOptions struct {
	Buffer  time.Duration // delay before the first job becomes claimable
	Spacing time.Duration // gap between consecutive jobs
}

// DefaultRebalanceOptions start one minute out and space jobs 66 minutes apart.
var DefaultRebalanceOptions = RebalanceOptions{Buffer: time.Minute, Spacing: 66 * time.Minute}

// Rebalance re-derives the schedule of pending jobs from scratch. Jobs are
// ordered by creation time; the i-th job becomes claimable at
// now+Buffer+i*Spacing and its post baseline continues the post timeline of
// the same owner's previous job. Each owner's timeline starts at now+Buffer.
// Previous timestamps are ignored apart from ordering, and items within a job
// keep their order.
func Rebalance(jobs []models.JobQueueItem, now time.Time, opts RebalanceOptions, w window.Window) []models.JobQueueItem {
	out := make([]models.JobQueueItem, len(jobs))
	copy(out, jobs)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.BatchIndex != b.BatchIndex {
			return a.BatchIndex < b.BatchIndex
		}
		return a.ID < b.ID
	})

	origin := now.Add(opts.Buffer)
	cursors := make(map[string]time.Time)
	for i := range out {
		job := &out[i]
		job.ScheduledStartTime = origin.Add(time.Duration(i) * opts.Spacing)

		loc, err := window.LoadLocation(job.Payload.Settings.Timezone)
		if err != nil {
			loc = time.UTC
		}
		step := Step(job.Payload.Strategy, job.Payload.Settings)
		cursor, ok := cursors[job.OwnerID]
		if !ok {
			cursor = origin
		}
		line := Timeline(cursor, len(job.Payload.Items), step, loc, w)
		if len(line) == 0 {
			continue
		}
		base := line[0]
		job.Payload.PostBaseline = &base
		cursors[job.OwnerID] = line[len(line)-1].Add(step)
	}
	return out
}
