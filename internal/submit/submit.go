// Package submit is the boundary to the destination platform. One call
// either publishes an item now or registers it as a scheduled post.
package submit

import (
	"context"
	"time"

	"bulk-post-scheduler/internal/models"
)

// Request is one submission of one item to one destination profile.
// ScheduledAt is nil when PostNow is set.
type Request struct {
	Item        models.PostItem
	ProfileID   string
	ScheduledAt *time.Time
	PostNow     bool
	// Token is the destination credential resolved for ProfileID.
	Token string
}

// Receipt is the platform's acknowledgement of a submission.
type Receipt struct {
	PostID      string     `json:"id"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// Submitter publishes or schedules a single item. Failures are a
// *RetryableError (rate limited) or a *TerminalError.
type Submitter interface {
	Submit(ctx context.Context, req Request) (Receipt, error)
}

// Func adapts a function to Submitter.
type Func func(ctx context.Context, req Request) (Receipt, error)

func (f Func) Submit(ctx context.Context, req Request) (Receipt, error) {
	return f(ctx, req)
}
