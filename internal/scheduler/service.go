// Package scheduler is the intake and admin side of the queue: it persists
// plans and rebalances pending work.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"bulk-post-scheduler/internal/models"
	"bulk-post-scheduler/internal/planner"
	"bulk-post-scheduler/internal/store"
	"bulk-post-scheduler/internal/telemetry"
)

// maxRebalance bounds how many pending rows one rebalance rewrites.
const maxRebalance = 10000

// Service wires the planner to the queue store.
type Service struct {
	store     store.Store
	planner   *planner.Planner
	rebalance planner.RebalanceOptions
	now       func() time.Time
	log       zerolog.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

func WithRebalanceOptions(o planner.RebalanceOptions) Option {
	return func(s *Service) { s.rebalance = o }
}

func New(st store.Store, p *planner.Planner, opts ...Option) *Service {
	s := &Service{
		store:     st,
		planner:   p,
		rebalance: planner.DefaultRebalanceOptions,
		now:       time.Now,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "scheduler").Logger()
	return s
}

// Schedule plans req and writes every resulting row. Nothing is written when
// the request is invalid. It returns as soon as the rows are queued.
func (s *Service) Schedule(ctx context.Context, req planner.Request) ([]models.JobQueueItem, error) {
	jobs, err := s.planner.Plan(req)
	if err != nil {
		telemetry.PlanRejects.WithLabelValues("validation").Inc()
		return nil, err
	}
	if err := s.store.CreateJobs(ctx, jobs); err != nil {
		return nil, models.Infrastructure(err, "persist plan")
	}
	telemetry.JobsPlanned.Add(float64(len(jobs)))

	for _, job := range jobs {
		detail := fmt.Sprintf("batch %d/%d items=%d start=%s", job.BatchIndex+1, job.TotalBatches,
			len(job.Payload.Items), job.ScheduledStartTime.UTC().Format(time.RFC3339))
		if err := s.store.AppendEvent(ctx, job.ID, models.EventPlanned, detail); err != nil {
			s.log.Warn().Err(err).Str("job_id", job.ID).Msg("append planned event")
		}
	}
	s.log.Info().Str("owner_id", req.OwnerID).Str("strategy", string(req.Strategy)).
		Int("items", len(req.Items)).Int("jobs", len(jobs)).Msg("plan queued")
	return jobs, nil
}

// RebalanceReport summarises one rebalance run.
type RebalanceReport struct {
	Considered  int                   `json:"considered"`
	Rescheduled int                   `json:"rescheduled"`
	Skipped     int                   `json:"skipped"`
	Jobs        []models.JobQueueItem `json:"jobs"`
}

// Rebalance re-derives start times and post baselines of all pending jobs,
// or only ownerID's when it is set. Jobs claimed while the rebalance runs
// keep their schedule.
func (s *Service) Rebalance(ctx context.Context, ownerID string) (RebalanceReport, error) {
	pending, err := s.store.ListByStatus(ctx, models.StatusPending, maxRebalance)
	if err != nil {
		return RebalanceReport{}, models.Infrastructure(err, "list pending jobs")
	}
	if ownerID != "" {
		filtered := pending[:0]
		for _, job := range pending {
			if job.OwnerID == ownerID {
				filtered = append(filtered, job)
			}
		}
		pending = filtered
	}

	report := RebalanceReport{Considered: len(pending)}
	for _, job := range planner.Rebalance(pending, s.now(), s.rebalance, s.planner.Window()) {
		ok, err := s.store.Reschedule(ctx, job.ID, job.ScheduledStartTime, job.Payload)
		if err != nil {
			return report, models.Infrastructure(errors.Wrapf(err, "job %s", job.ID), "reschedule")
		}
		if !ok {
			report.Skipped++
			continue
		}
		report.Rescheduled++
		report.Jobs = append(report.Jobs, job)
		telemetry.JobsRebalanced.Inc()
		if err := s.store.AppendEvent(ctx, job.ID, models.EventRebalanced,
			"start="+job.ScheduledStartTime.UTC().Format(time.RFC3339)); err != nil {
			s.log.Warn().Err(err).Str("job_id", job.ID).Msg("append rebalanced event")
		}
	}
	s.log.Info().Int("considered", report.Considered).Int("rescheduled", report.Rescheduled).
		Int("skipped", report.Skipped).Msg("rebalance finished")
	return report, nil
}

// Job returns one row.
func (s *Service) Job(ctx context.Context, id string) (models.JobQueueItem, error) {
	return s.store.GetJob(ctx, id)
}

// Jobs lists rows in a status.
func (s *Service) Jobs(ctx context.Context, status models.JobStatus, limit int) ([]models.JobQueueItem, error) {
	if !status.Valid() {
		return nil, models.Validationf("unknown status %q", status)
	}
	return s.store.ListByStatus(ctx, status, limit)
}

// Events returns a job's event log, oldest first.
func (s *Service) Events(ctx context.Context, id string, limit int) ([]models.JobEvent, error) {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id, limit)
}
