// Package planner expands a scheduling request into queue rows and
// re-derives schedules for pending rows.
package planner

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"bulk-post-scheduler/internal/models"
	"bulk-post-scheduler/internal/window"
)

// Limits bound how a batch request is split.
type Limits struct {
	BatchSize    int           // maximum items per batch job
	BatchSpacing time.Duration // processing-time gap between consecutive batch jobs
}

// DefaultLimits match the destination platform's rate limit.
var DefaultLimits = Limits{BatchSize: 10, BatchSpacing: 70 * time.Minute}

// Request is a user's high-level scheduling intent.
type Request struct {
	OwnerID               string            `json:"owner_id"`
	AccountID             string            `json:"account_id"`
	Items                 []models.PostItem `json:"items"`
	DestinationProfileIDs []string          `json:"destination_profile_ids"`
	Strategy              models.Strategy   `json:"strategy"`
	Settings              models.Settings   `json:"settings"`
}

// Planner turns requests into job rows. It never touches storage.
type Planner struct {
	limits Limits
	window window.Window
	now    func() time.Time
	newID  func() string
}

// Option customises a Planner.
type Option func(*Planner)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Planner) {
		if now != nil {
			p.now = now
		}
	}
}

// WithIDGenerator injects the job id source.
func WithIDGenerator(fn func() string) Option {
	return func(p *Planner) {
		if fn != nil {
			p.newID = fn
		}
	}
}

// WithWindow overrides the posting window.
func WithWindow(w window.Window) Option {
	return func(p *Planner) { p.window = w }
}

// New builds a planner. Zero limits fall back to DefaultLimits.
func New(limits Limits, opts ...Option) *Planner {
	if limits.BatchSize <= 0 {
		limits.BatchSize = DefaultLimits.BatchSize
	}
	if limits.BatchSpacing <= 0 {
		limits.BatchSpacing = DefaultLimits.BatchSpacing
	}
	p := &Planner{
		limits: limits,
		window: window.Default,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Window returns the posting window the planner normalizes against.
func (p *Planner) Window() window.Window { return p.window }

// Plan validates the request and produces the rows to persist. Validation
// failures are marked models.ErrValidation.
func (p *Planner) Plan(req Request) ([]models.JobQueueItem, error) {
	loc, err := p.validate(req)
	if err != nil {
		return nil, err
	}
	now := p.now()
	if req.Strategy == models.StrategyBatch {
		return p.planBatches(req, loc, now), nil
	}
	job := p.newJob(req, now, now, 0, 1, req.Items)
	return []models.JobQueueItem{job}, nil
}

func (p *Planner) planBatches(req Request, loc *time.Location, now time.Time) []models.JobQueueItem {
	size := req.Settings.BatchSize
	if size > p.limits.BatchSize {
		size = p.limits.BatchSize
	}
	chunks := Partition(req.Items, size)
	sizes := make([]int, len(chunks))
	for i, c := range chunks {
		sizes[i] = len(c)
	}

	first := req.Settings.StartTime
	if first.IsZero() {
		first = now
	}
	starts := ProcessingTimes(now, len(chunks), p.limits.BatchSpacing)
	baselines := PostBaselines(first, sizes, Step(models.StrategyBatch, req.Settings), loc, p.window)

	jobs := make([]models.JobQueueItem, 0, len(chunks))
	for k, chunk := range chunks {
		job := p.newJob(req, now, starts[k], k, len(chunks), chunk)
		base := baselines[k]
		job.Payload.PostBaseline = &base
		jobs = append(jobs, job)
	}
	return jobs
}

func (p *Planner) newJob(req Request, now, start time.Time, index, total int, items []models.PostItem) models.JobQueueItem {
	return models.JobQueueItem{
		ID:                 p.newID(),
		OwnerID:            req.OwnerID,
		AccountID:          req.AccountID,
		Status:             models.StatusPending,
		ScheduledStartTime: start,
		BatchIndex:         index,
		TotalBatches:       total,
		Payload: models.JobPayload{
			Items:                 append([]models.PostItem(nil), items...),
			DestinationProfileIDs: append([]string(nil), req.DestinationProfileIDs...),
			Strategy:              req.Strategy,
			Settings:              req.Settings,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (p *Planner) validate(req Request) (*time.Location, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, models.Validationf("owner_id is required")
	}
	if len(req.Items) == 0 {
		return nil, models.Validationf("no items to schedule")
	}
	if !req.Strategy.Valid() {
		return nil, models.Validationf("unknown strategy %q", req.Strategy)
	}
	if len(req.DestinationProfileIDs) == 0 || strings.TrimSpace(req.DestinationProfileIDs[0]) == "" {
		return nil, models.Validationf("at least one destination profile is required")
	}
	seen := make(map[string]struct{}, len(req.Items))
	for i, it := range req.Items {
		if strings.TrimSpace(it.ID) == "" {
			return nil, models.Validationf("item %d has no id", i)
		}
		if _, dup := seen[it.ID]; dup {
			return nil, models.Validationf("duplicate item id %q", it.ID)
		}
		seen[it.ID] = struct{}{}
	}

	s := req.Settings
	switch req.Strategy {
	case models.StrategyBatch:
		if s.BatchSize <= 0 {
			return nil, models.Validationf("batch size must be positive, got %d", s.BatchSize)
		}
		if s.PostIntervalMinutes < 0 {
			return nil, models.Validationf("post interval must not be negative, got %d", s.PostIntervalMinutes)
		}
	default:
		if math.IsNaN(s.IntervalHours) || math.IsInf(s.IntervalHours, 0) || s.IntervalHours < 0 {
			return nil, models.Validationf("invalid interval hours %v", s.IntervalHours)
		}
		if s.IntervalHours == 0 && len(req.Items) > 1 {
			return nil, models.Validationf("interval hours must be positive when scheduling more than one item")
		}
	}
	return window.LoadLocation(s.Timezone)
}

// Partition splits items into consecutive chunks of at most size, in order.
func Partition(items []models.PostItem, size int) [][]models.PostItem {
	if size <= 0 || len(items) == 0 {
		return nil
	}
	out := make([][]models.PostItem, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, append([]models.PostItem(nil), items[start:end]...))
	}
	return out
}
