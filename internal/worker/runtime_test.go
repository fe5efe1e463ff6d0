package worker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulk-post-scheduler/internal/models"
)

func TestForegroundTickRunsOneJobAtATime(t *testing.T) {
	h := newHarness(t)
	h.insert(t, batchJob("j1", testNow, "a"), batchJob("j2", testNow, "b"))
	h.sub.block = make(chan struct{})

	fg := NewForeground(h.processor(WithName("foreground")), 10*time.Millisecond, zerolog.Nop())
	ctx := context.Background()

	require.True(t, fg.Tick(ctx))
	assert.True(t, fg.Busy())
	assert.False(t, fg.Tick(ctx), "a tick while busy does nothing")

	close(h.sub.block)
	fg.Wait()
	assert.False(t, fg.Busy())

	require.True(t, fg.Tick(ctx))
	fg.Wait()
	assert.False(t, fg.Tick(ctx), "queue drained")

	assert.Equal(t, models.StatusCompleted, h.job(t, "j1").Status)
	assert.Equal(t, models.StatusCompleted, h.job(t, "j2").Status)
}

func TestForegroundRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.insert(t, batchJob("j1", testNow, "a"))
	fg := NewForeground(h.processor(), 5*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fg.Run(ctx) }()

	require.Eventually(t, func() bool {
		job, err := h.store.GetJob(context.Background(), "j1")
		return err == nil && job.Status == models.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("foreground did not stop")
	}
}

func TestBackendRunOnceClaimsBoundedBatch(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"j1", "j2", "j3", "j4", "j5", "j6"} {
		h.insert(t, batchJob(id, testNow, id+"-item"))
	}
	be := NewBackend(h.processor(WithName("backend")), "@every 5m", 5, zerolog.Nop())

	ran, err := be.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, ran)

	ran, err = be.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
}

func TestBackendSkipsOverlappingInvocation(t *testing.T) {
	h := newHarness(t)
	be := NewBackend(h.processor(), "", 0, zerolog.Nop())
	assert.Equal(t, DefaultBackendMaxJobs, be.maxJobs)
	assert.Equal(t, DefaultBackendSchedule, be.schedule)

	be.mu.Lock()
	ran, err := be.RunOnce(context.Background())
	be.mu.Unlock()
	require.NoError(t, err)
	assert.Zero(t, ran)
}

func TestBackendRejectsBadSchedule(t *testing.T) {
	h := newHarness(t)
	be := NewBackend(h.processor(), "every now and then", 5, zerolog.Nop())
	err := be.Run(context.Background())
	assert.Error(t, err)
}

func TestForegroundAndBackendShareQueueSafely(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"j1", "j2", "j3", "j4"} {
		h.insert(t, batchJob(id, testNow, id+"-item"))
	}
	fg := NewForeground(h.processor(WithName("foreground")), time.Millisecond, zerolog.Nop())
	be := NewBackend(h.processor(WithName("backend")), "@every 5m", 5, zerolog.Nop())

	ctx := context.Background()
	fg.Tick(ctx)
	_, err := be.RunOnce(ctx)
	require.NoError(t, err)
	fg.Wait()

	completed, err := h.store.ListByStatus(ctx, models.StatusCompleted, 10)
	require.NoError(t, err)
	assert.Len(t, completed, 4)

	seen := map[string]int{}
	for _, id := range h.sub.itemIDs() {
		seen[id]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "item %s submitted once", id)
	}
	assert.Len(t, seen, 4)
}
