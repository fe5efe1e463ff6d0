// Package store persists queue rows. Single-row conditional updates are the
// only concurrency primitive: every state transition names the state it
// expects and reports whether it won.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"bulk-post-scheduler/internal/models"
)

// Store is the durable job queue shared by every processor runtime.
type Store interface {
	// CreateJobs inserts new rows atomically.
	CreateJobs(ctx context.Context, jobs []models.JobQueueItem) error
	GetJob(ctx context.Context, id string) (models.JobQueueItem, error)
	// ListReady returns claimable rows: pending rows whose start time has
	// passed, plus processing rows idle since before StaleBefore.
	ListReady(ctx context.Context, f ReadyFilter) ([]models.JobQueueItem, error)
	// ListByStatus returns rows in a status ordered by creation time.
	ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]models.JobQueueItem, error)
	// CompareAndSwapStatus moves a row from one status to another only if it
	// is still in from. It reports whether this caller made the transition.
	CompareAndSwapStatus(ctx context.Context, id string, from, to models.JobStatus) (bool, error)
	// ReclaimStale takes over a processing row whose heartbeat is older than
	// staleBefore. It reports whether this caller won.
	ReclaimStale(ctx context.Context, id string, staleBefore time.Time) (bool, error)
	// Touch refreshes the heartbeat of a processing row.
	Touch(ctx context.Context, id string) error
	// Finish moves a processing row to completed or failed.
	Finish(ctx context.Context, id string, status models.JobStatus, errMsg *string) (bool, error)
	// Reschedule rewrites start time and payload of a row that is still pending.
	Reschedule(ctx context.Context, id string, start time.Time, payload models.JobPayload) (bool, error)
	// CountReady returns how many pending rows are due at now.
	CountReady(ctx context.Context, now time.Time) (int64, error)
	AppendEvent(ctx context.Context, jobID, event, detail string) error
	ListEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error)
	Close() error
}

// ReadyFilter selects claimable rows.
type ReadyFilter struct {
	Now time.Time
	// StaleBefore enables reclaiming processing rows whose heartbeat is older.
	// The zero value disables reclaim.
	StaleBefore time.Time
	Limit       int
}

// Option customises a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock sets the clock used for updated_at stamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func finalStatus(status models.JobStatus) error {
	if status != models.StatusCompleted && status != models.StatusFailed {
		return errors.Newf("cannot finish job with status %q", status)
	}
	return nil
}

func marshalPayload(p models.JobPayload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}
	return raw, nil
}

func unmarshalPayload(raw []byte, p *models.JobPayload) error {
	if err := json.Unmarshal(raw, p); err != nil {
		return errors.Wrap(err, "unmarshal payload")
	}
	return nil
}

func notFound(id string) error {
	return errors.Mark(errors.Newf("job %s not found", id), models.ErrJobNotFound)
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
