package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"bulk-post-scheduler/internal/models"
	"bulk-post-scheduler/internal/ratelimit"
	"bulk-post-scheduler/internal/store"
	"bulk-post-scheduler/internal/submit"
)

var testNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type memItems struct {
	mu       sync.Mutex
	statuses map[string]models.ItemStatus
	getErr   error
}

func newMemItems() *memItems {
	return &memItems{statuses: map[string]models.ItemStatus{}}
}

func (m *memItems) GetStatus(_ context.Context, id string) (models.ItemStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return "", m.getErr
	}
	if st, ok := m.statuses[id]; ok {
		return st, nil
	}
	return models.ItemPending, nil
}

func (m *memItems) SetStatus(_ context.Context, id string, st models.ItemStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[id] = st
	return nil
}

func (m *memItems) get(id string) models.ItemStatus {
	st, _ := m.GetStatus(context.Background(), id)
	return st
}

// scriptedSubmitter fails items according to a per-item script; unscripted
// calls succeed.
type scriptedSubmitter struct {
	mu     sync.Mutex
	script map[string][]error
	calls  []submit.Request
	block  chan struct{}
}

func newScripted() *scriptedSubmitter {
	return &scriptedSubmitter{script: map[string][]error{}}
}

func (s *scriptedSubmitter) Submit(ctx context.Context, req submit.Request) (submit.Receipt, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return submit.Receipt{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if errs := s.script[req.Item.ID]; len(errs) > 0 {
		s.script[req.Item.ID] = errs[1:]
		if errs[0] != nil {
			return submit.Receipt{}, errs[0]
		}
	}
	return submit.Receipt{PostID: "post-" + req.Item.ID}, nil
}

func (s *scriptedSubmitter) itemIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.calls))
	for i, c := range s.calls {
		ids[i] = c.Item.ID
	}
	return ids
}

type staticCreds map[string]string

func (c staticCreds) Token(_ context.Context, profileID string) (string, error) {
	tok, ok := c[profileID]
	if !ok {
		return "", models.Infrastructure(errors.Newf("no credentials for %s", profileID), "resolve credentials")
	}
	return tok, nil
}

// immediate fires every back-off at once and counts them.
type immediate struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (i *immediate) After(d time.Duration) <-chan time.Time {
	i.mu.Lock()
	i.waits = append(i.waits, d)
	i.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

type harness struct {
	store *store.SQLite
	clock *fakeClock
	items *memItems
	sub   *scriptedSubmitter
	ids   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{t: testNow}
	st, err := store.OpenSQLite(context.Background(), ":memory:", time.Second, store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return &harness{store: st, clock: clock, items: newMemItems(), sub: newScripted()}
}

func (h *harness) processor(opts ...Option) *Processor {
	base := []Option{
		WithClock(h.clock.Now),
		WithLogger(zerolog.Nop()),
		WithIDGenerator(func() string {
			h.ids++
			return fmt.Sprintf("succ-%d", h.ids)
		}),
		WithCredentials(staticCreds{"profile-1": "token-1"}),
		WithBackoff(ratelimit.Backoff{Delay: time.Hour, After: (&immediate{}).After}),
	}
	return NewProcessor(h.store, h.items, h.sub, append(base, opts...)...)
}

// batchJob builds a pending batch job whose posts start at baseline and
// are 5 minutes apart.
func batchJob(id string, baseline time.Time, itemIDs ...string) models.JobQueueItem {
	items := make([]models.PostItem, len(itemIDs))
	for i, itemID := range itemIDs {
		items[i] = models.PostItem{ID: itemID, Caption: "caption " + itemID, Media: []string{"https://cdn.test/" + itemID + ".jpg"}}
	}
	return models.JobQueueItem{
		ID:                 id,
		OwnerID:            "owner-1",
		AccountID:          "acct-1",
		Status:             models.StatusPending,
		ScheduledStartTime: testNow,
		BatchIndex:         0,
		TotalBatches:       1,
		Payload: models.JobPayload{
			Items:                 items,
			DestinationProfileIDs: []string{"profile-1"},
			Strategy:              models.StrategyBatch,
			Settings:              models.Settings{BatchSize: 10, PostIntervalMinutes: 5},
			PostBaseline:          &baseline,
		},
		CreatedAt: testNow,
	}
}

func (h *harness) insert(t *testing.T, jobs ...models.JobQueueItem) {
	t.Helper()
	require.NoError(t, h.store.CreateJobs(context.Background(), jobs))
}

func (h *harness) job(t *testing.T, id string) models.JobQueueItem {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) events(t *testing.T, id string) []string {
	t.Helper()
	evs, err := h.store.ListEvents(context.Background(), id, 100)
	require.NoError(t, err)
	names := make([]string, len(evs))
	for i, ev := range evs {
		names[i] = ev.Event
	}
	return names
}
