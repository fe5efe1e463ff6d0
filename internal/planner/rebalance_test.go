package planner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulk-post-scheduler/internal/models"
	"bulk-post-scheduler/internal/window"
)

func pendingJob(id string, created time.Time, items int) models.JobQueueItem {
	stale := created.Add(-72 * time.Hour)
	return models.JobQueueItem{
		ID:                 id,
		Status:             models.StatusPending,
		ScheduledStartTime: stale,
		CreatedAt:          created,
		Payload: models.JobPayload{
			Items:    makeItems(items),
			Strategy: models.StrategyBatch,
			Settings: models.Settings{BatchSize: 10, PostIntervalMinutes: 5},
			// Deliberately stale baseline; Rebalance must ignore it.
			PostBaseline: &stale,
		},
	}
}

func TestRebalanceOrdersAndSpaces(t *testing.T) {
	t0 := time.Date(2026, 2, 20, 8, 0, 0, 0, time.UTC)
	jobs := []models.JobQueueItem{
		pendingJob("c", t0.Add(2*time.Hour), 3),
		pendingJob("a", t0, 2),
		pendingJob("b", t0.Add(time.Hour), 4),
	}

	out := Rebalance(jobs, fixedNow, DefaultRebalanceOptions, window.Default)
	require.Len(t, out, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{out[0].ID, out[1].ID, out[2].ID})

	for i, job := range out {
		want := fixedNow.Add(time.Minute + time.Duration(i)*66*time.Minute)
		assert.True(t, job.ScheduledStartTime.Equal(want), "job %s start %s", job.ID, job.ScheduledStartTime)
	}
	assert.Equal(t, makeItems(2), out[0].Payload.Items)
	assert.Equal(t, makeItems(4), out[1].Payload.Items)

	// Post baselines continue one timeline: a posts 10:01, 10:06; b starts 10:11.
	require.NotNil(t, out[0].Payload.PostBaseline)
	assert.True(t, out[0].Payload.PostBaseline.Equal(fixedNow.Add(time.Minute)))
	assert.True(t, out[1].Payload.PostBaseline.Equal(fixedNow.Add(11*time.Minute)))
	assert.True(t, out[2].Payload.PostBaseline.Equal(fixedNow.Add(31*time.Minute)))

	// Input is untouched.
	assert.Equal(t, "c", jobs[0].ID)
	assert.True(t, jobs[0].ScheduledStartTime.Before(t0.Add(2*time.Hour)))
}

func TestRebalanceKeepsOwnerTimelinesApart(t *testing.T) {
	t0 := time.Date(2026, 2, 20, 8, 0, 0, 0, time.UTC)
	long := pendingJob("long", t0, 10)
	long.OwnerID = "owner-1"
	long.Payload.Strategy = models.StrategyInterval
	long.Payload.Settings = models.Settings{IntervalHours: 24}
	short := pendingJob("short", t0.Add(time.Minute), 1)
	short.OwnerID = "owner-2"
	next := pendingJob("next", t0.Add(2*time.Minute), 1)
	next.OwnerID = "owner-1"
	next.Payload.Strategy = models.StrategyInterval
	next.Payload.Settings = models.Settings{IntervalHours: 24}

	out := Rebalance([]models.JobQueueItem{long, short, next}, fixedNow, DefaultRebalanceOptions, window.Default)
	require.Len(t, out, 3)
	assert.Equal(t, []string{"long", "short", "next"}, []string{out[0].ID, out[1].ID, out[2].ID})

	// Claim times are still spaced across every owner.
	assert.True(t, out[1].ScheduledStartTime.Equal(fixedNow.Add(67*time.Minute)))
	assert.True(t, out[2].ScheduledStartTime.Equal(fixedNow.Add(133*time.Minute)))

	origin := fixedNow.Add(time.Minute)
	assert.True(t, out[0].Payload.PostBaseline.Equal(origin))
	assert.True(t, out[1].Payload.PostBaseline.Equal(origin), "owner-2 is not pushed behind owner-1's ten days")
	assert.True(t, out[2].Payload.PostBaseline.Equal(origin.Add(240*time.Hour)), "owner-1 continues its own timeline")
}

func TestRebalanceIgnoresPreviousTimestamps(t *testing.T) {
	t0 := time.Date(2026, 2, 20, 8, 0, 0, 0, time.UTC)
	a := []models.JobQueueItem{pendingJob("a", t0, 2), pendingJob("b", t0.Add(time.Minute), 2)}
	b := []models.JobQueueItem{pendingJob("a", t0, 2), pendingJob("b", t0.Add(time.Minute), 2)}
	shifted := t0.Add(500 * time.Hour)
	b[0].ScheduledStartTime = shifted
	b[1].Payload.PostBaseline = &shifted

	ra := Rebalance(a, fixedNow, DefaultRebalanceOptions, window.Default)
	rb := Rebalance(b, fixedNow, DefaultRebalanceOptions, window.Default)
	for i := range ra {
		assert.True(t, ra[i].ScheduledStartTime.Equal(rb[i].ScheduledStartTime))
		assert.True(t, ra[i].Payload.PostBaseline.Equal(*rb[i].Payload.PostBaseline))
	}
}

func TestRebalanceNormalizesBaselines(t *testing.T) {
	late := time.Date(2026, 3, 2, 21, 58, 0, 0, time.UTC)
	jobs := []models.JobQueueItem{pendingJob("a", fixedNow, 2), pendingJob("b", fixedNow.Add(time.Second), 2)}
	out := Rebalance(jobs, late, DefaultRebalanceOptions, window.Default)
	assert.True(t, out[0].Payload.PostBaseline.Equal(time.Date(2026, 3, 2, 21, 59, 0, 0, time.UTC)))
	// a's second post rolls to 09:00 the next morning, so b continues at 09:05.
	assert.True(t, out[1].Payload.PostBaseline.Equal(time.Date(2026, 3, 3, 9, 5, 0, 0, time.UTC)))
}
