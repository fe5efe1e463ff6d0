package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulk-post-scheduler/internal/kv"
	"bulk-post-scheduler/internal/models"
	"bulk-post-scheduler/internal/planner"
	"bulk-post-scheduler/internal/ratelimit"
	"bulk-post-scheduler/internal/scheduler"
	"bulk-post-scheduler/internal/store"
)

var now = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	srv   *httptest.Server
	store *store.SQLite
}

func newFixture(t *testing.T, capacity int, opts ...Option) *fixture {
	t.Helper()
	clock := func() time.Time { return now }
	st, err := store.OpenSQLite(context.Background(), ":memory:", time.Second, store.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	seq := 0
	p := planner.New(planner.DefaultLimits,
		planner.WithClock(clock),
		planner.WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("job-%02d", seq)
		}),
	)
	svc := scheduler.New(st, p, scheduler.WithClock(clock))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	limiter := ratelimit.NewTokenBucket(rdb, "test", capacity, 0.2, time.Hour).WithClock(clock)

	srv := httptest.NewServer(New(svc, limiter, opts...).Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: st}
}

func planBody(owner string, n int) []byte {
	items := make([]models.PostItem, n)
	for i := range items {
		items[i] = models.PostItem{ID: fmt.Sprintf("item-%02d", i), Caption: "hello"}
	}
	raw, _ := json.Marshal(planner.Request{
		OwnerID:               owner,
		Items:                 items,
		DestinationProfileIDs: []string{"profile-1"},
		Strategy:              models.StrategyBatch,
		Settings:              models.Settings{BatchSize: 10, PostIntervalMinutes: 5},
	})
	return raw
}

func (f *fixture) post(t *testing.T, path string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestPlanQueuesBatches(t *testing.T) {
	f := newFixture(t, 10)

	resp := f.post(t, "/plans", planBody("owner-1", 12))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out planResponse
	decode(t, resp, &out)
	require.Len(t, out.Jobs, 2)
	assert.Equal(t, 2, out.Jobs[0].TotalBatches)

	pending, err := f.store.ListByStatus(context.Background(), models.StatusPending, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestPlanOwnerFromHeader(t *testing.T) {
	f := newFixture(t, 10)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/plans", bytes.NewReader(planBody("", 1)))
	require.NoError(t, err)
	req.Header.Set("X-Owner-ID", "owner-h")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	job, err := f.store.GetJob(context.Background(), "job-01")
	require.NoError(t, err)
	assert.Equal(t, "owner-h", job.OwnerID)
}

func TestPlanValidationIsBadRequest(t *testing.T) {
	f := newFixture(t, 10)

	resp := f.post(t, "/plans", planBody("owner-1", 0))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.post(t, "/plans", []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	pending, err := f.store.ListByStatus(context.Background(), models.StatusPending, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPlanRateLimitedPerOwner(t *testing.T) {
	f := newFixture(t, 1)

	require.Equal(t, http.StatusAccepted, f.post(t, "/plans", planBody("owner-1", 1)).StatusCode)

	resp := f.post(t, "/plans", planBody("owner-1", 1))
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.NotEqual(t, "0", resp.Header.Get("Retry-After"))

	// other owners have their own bucket
	assert.Equal(t, http.StatusAccepted, f.post(t, "/plans", planBody("owner-2", 1)).StatusCode)
}

func TestGetJobAndEvents(t *testing.T) {
	f := newFixture(t, 10)
	require.Equal(t, http.StatusAccepted, f.post(t, "/plans", planBody("owner-1", 3)).StatusCode)

	resp := f.get(t, "/jobs/job-01")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job models.JobQueueItem
	decode(t, resp, &job)
	assert.Equal(t, "job-01", job.ID)
	assert.Len(t, job.Payload.Items, 3)

	resp = f.get(t, "/jobs/job-01/events")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var evs struct {
		Events []models.JobEvent `json:"events"`
	}
	decode(t, resp, &evs)
	require.Len(t, evs.Events, 1)
	assert.Equal(t, models.EventPlanned, evs.Events[0].Event)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/jobs/missing").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/jobs/missing/events").StatusCode)
}

func TestListJobs(t *testing.T) {
	f := newFixture(t, 10)
	require.Equal(t, http.StatusAccepted, f.post(t, "/plans", planBody("owner-1", 25)).StatusCode)

	resp := f.get(t, "/jobs?status=pending&limit=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Jobs []models.JobQueueItem `json:"jobs"`
	}
	decode(t, resp, &out)
	assert.Len(t, out.Jobs, 2)

	resp = f.get(t, "/jobs?status=failed")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out.Jobs = nil
	decode(t, resp, &out)
	assert.NotNil(t, out.Jobs)
	assert.Empty(t, out.Jobs)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/jobs?status=bogus").StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/jobs?limit=-1").StatusCode)
}

func TestRebalanceEndpoint(t *testing.T) {
	f := newFixture(t, 10)
	require.Equal(t, http.StatusAccepted, f.post(t, "/plans", planBody("owner-1", 15)).StatusCode)

	resp := f.post(t, "/admin/rebalance?owner=owner-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report scheduler.RebalanceReport
	decode(t, resp, &report)
	assert.Equal(t, 2, report.Considered)
	assert.Equal(t, 2, report.Rescheduled)

	resp = f.post(t, "/admin/rebalance?owner=nobody", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report = scheduler.RebalanceReport{}
	decode(t, resp, &report)
	assert.Zero(t, report.Considered)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, 10)
	assert.Equal(t, http.StatusOK, f.get(t, "/healthz").StatusCode)

	down := newFixture(t, 10, WithHealthCheck("redis", func(context.Context) error {
		return errors.New("connection refused")
	}))
	resp := down.get(t, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var body struct {
		Failed map[string]string `json:"failed"`
	}
	decode(t, resp, &body)
	assert.Equal(t, "connection refused", body.Failed["redis"])
}

func TestMetricsMounted(t *testing.T) {
	f := newFixture(t, 10)
	assert.Equal(t, http.StatusOK, f.get(t, "/metrics").StatusCode)
}

func TestSuspensions(t *testing.T) {
	f := newFixture(t, 10)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/suspensions").StatusCode)

	rdb := redis.NewClient(&redis.Options{Addr: miniredis.RunT(t).Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	reg := kv.NewSuspensions(rdb, "")
	require.NoError(t, reg.Suspend(context.Background(), "job-01", "fg@host", now.Add(time.Hour)))

	f = newFixture(t, 10, WithSuspensions(reg), WithClock(func() time.Time { return now }))
	resp := f.get(t, "/suspensions")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Suspensions []kv.Suspension `json:"suspensions"`
	}
	decode(t, resp, &body)
	require.Len(t, body.Suspensions, 1)
	assert.Equal(t, "job-01", body.Suspensions[0].JobID)
	assert.True(t, body.Suspensions[0].ResumesAt.Equal(now.Add(time.Hour)))
}
