package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bulk-post-scheduler/internal/models"
	"bulk-post-scheduler/internal/planner"
	"bulk-post-scheduler/internal/ratelimit"
	"bulk-post-scheduler/internal/store"
	"bulk-post-scheduler/internal/submit"
	"bulk-post-scheduler/internal/telemetry"
	"bulk-post-scheduler/internal/window"
)

// ItemStatusStore is the item-level status contract owned by the content
// subsystem.
type ItemStatusStore interface {
	GetStatus(ctx context.Context, itemID string) (models.ItemStatus, error)
	SetStatus(ctx context.Context, itemID string, status models.ItemStatus) error
}

// CredentialResolver returns the access token for a destination profile.
type CredentialResolver interface {
	Token(ctx context.Context, profileID string) (string, error)
}

// SuspensionRecorder publishes rate-limit suspensions beyond this process.
type SuspensionRecorder interface {
	Suspend(ctx context.Context, jobID, worker string, resumesAt time.Time) error
	Resume(ctx context.Context, jobID string) error
}

const (
	DefaultRequeueDelay    = 66 * time.Minute
	DefaultImmediateBuffer = time.Minute
	DefaultStaleAfter      = 2 * time.Hour
)

// Processor claims ready jobs and executes their items sequentially.
// Any number of processors may share one store; the conditional status
// update decides which of them runs a job.
type Processor struct {
	store     store.Store
	items     ItemStatusStore
	submitter submit.Submitter
	creds     CredentialResolver

	classify ratelimit.Classifier
	backoff  ratelimit.Backoff
	window   window.Window
	now      func() time.Time
	newID    func() string
	log      zerolog.Logger
	name     string

	requeueDelay    time.Duration
	immediateBuffer time.Duration
	staleAfter      time.Duration

	mu        sync.Mutex
	suspended map[string]time.Time
	recorder  SuspensionRecorder
}

// Option customises a Processor.
type Option func(*Processor)

func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(p *Processor) {
		if fn != nil {
			p.newID = fn
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(p *Processor) { p.log = log }
}

// WithName labels claims in logs and metrics, e.g. "foreground".
func WithName(name string) Option {
	return func(p *Processor) { p.name = name }
}

func WithCredentials(c CredentialResolver) Option {
	return func(p *Processor) { p.creds = c }
}

func WithClassifier(c ratelimit.Classifier) Option {
	return func(p *Processor) {
		if c != nil {
			p.classify = c
		}
	}
}

// WithSuspensionRecorder mirrors suspensions to r. Recording is best effort.
func WithSuspensionRecorder(r SuspensionRecorder) Option {
	return func(p *Processor) { p.recorder = r }
}

func WithBackoff(b ratelimit.Backoff) Option {
	return func(p *Processor) { p.backoff = b }
}

func WithWindow(w window.Window) Option {
	return func(p *Processor) { p.window = w }
}

// WithRequeueDelay sets how long after a terminal failure the successor job
// becomes ready.
func WithRequeueDelay(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.requeueDelay = d
		}
	}
}

// WithImmediateBuffer sets how close to now a target time must be for the
// item to be published immediately.
func WithImmediateBuffer(d time.Duration) Option {
	return func(p *Processor) {
		if d >= 0 {
			p.immediateBuffer = d
		}
	}
}

// WithStaleAfter sets the heartbeat age after which a processing job may be
// reclaimed. Zero disables reclaim.
func WithStaleAfter(d time.Duration) Option {
	return func(p *Processor) {
		if d >= 0 {
			p.staleAfter = d
		}
	}
}

func NewProcessor(st store.Store, items ItemStatusStore, sub submit.Submitter, opts ...Option) *Processor {
	p := &Processor{
		store:           st,
		items:           items,
		submitter:       sub,
		classify:        ratelimit.DefaultClassifier,
		window:          window.Default,
		now:             time.Now,
		newID:           func() string { return uuid.New().String() },
		log:             zerolog.Nop(),
		name:            "processor",
		requeueDelay:    DefaultRequeueDelay,
		immediateBuffer: DefaultImmediateBuffer,
		staleAfter:      DefaultStaleAfter,
		suspended:       make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.backoff.Now == nil {
		p.backoff.Now = p.now
	}
	p.log = p.log.With().Str("component", "processor").Str("runtime", p.name).Logger()
	return p
}

// Outcome summarises one execution.
type Outcome struct {
	JobID       string
	Status      models.JobStatus
	Submitted   int
	Skipped     int
	CarriedOver int
	SuccessorID string
}

// Ready lists jobs this processor may claim now.
func (p *Processor) Ready(ctx context.Context, limit int) ([]models.JobQueueItem, error) {
	now := p.now()
	f := store.ReadyFilter{Now: now, Limit: limit}
	if p.staleAfter > 0 {
		f.StaleBefore = now.Add(-p.staleAfter)
	}
	jobs, err := p.store.ListReady(ctx, f)
	if err != nil {
		return nil, models.Infrastructure(err, "list ready jobs")
	}
	return jobs, nil
}

// Claim takes ownership of job. A pending job is claimed by swapping its
// status to processing. A processing job can only be reclaimed once its
// heartbeat is older than the stale threshold. Losing either race returns
// an error marked models.ErrClaimConflict.
func (p *Processor) Claim(ctx context.Context, job models.JobQueueItem) (models.JobQueueItem, error) {
	var (
		won  bool
		err  error
		kind = "claim"
	)
	switch job.Status {
	case models.StatusPending:
		won, err = p.store.CompareAndSwapStatus(ctx, job.ID, models.StatusPending, models.StatusProcessing)
	case models.StatusProcessing:
		if p.staleAfter <= 0 {
			return job, conflict(job.ID)
		}
		kind = "reclaim"
		won, err = p.store.ReclaimStale(ctx, job.ID, p.now().Add(-p.staleAfter))
	default:
		return job, conflict(job.ID)
	}
	if err != nil {
		return job, models.Infrastructure(err, "claim job")
	}
	if !won {
		telemetry.ClaimConflicts.Inc()
		return job, conflict(job.ID)
	}

	telemetry.Claims.WithLabelValues(p.name, kind).Inc()
	event := models.EventClaimed
	if kind == "reclaim" {
		event = models.EventReclaimed
		p.jobLog(job).Warn().Time("last_heartbeat", job.UpdatedAt).Msg("reclaimed stale job")
	}
	p.event(ctx, job.ID, event, p.name)
	job.Status = models.StatusProcessing
	job.UpdatedAt = p.now()
	return job, nil
}

func conflict(id string) error {
	return errors.Mark(errors.Newf("job %s was claimed elsewhere", id), models.ErrClaimConflict)
}

// ClaimAndRun claims job and, if won, executes it.
func (p *Processor) ClaimAndRun(ctx context.Context, job models.JobQueueItem) (Outcome, error) {
	claimed, err := p.Claim(ctx, job)
	if err != nil {
		return Outcome{JobID: job.ID, Status: job.Status}, err
	}
	return p.Execute(ctx, claimed)
}

// RunReady claims and executes up to limit ready jobs one after another. It
// returns how many it executed. Lost claims are skipped.
func (p *Processor) RunReady(ctx context.Context, limit int) (int, error) {
	jobs, err := p.Ready(ctx, limit)
	if err != nil {
		return 0, err
	}
	ran := 0
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return ran, err
		}
		_, err := p.ClaimAndRun(ctx, job)
		switch {
		case errors.Is(err, models.ErrClaimConflict):
			p.jobLog(job).Debug().Msg("claim lost")
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ran, err
		}
		ran++
	}
	return ran, nil
}

// Execute runs a claimed job to the end. Items are submitted in order; a
// rate limit suspends the job and retries the same item; a terminal failure
// moves the failed item and everything after it into one successor job.
//
// Cancellation aborts without touching the job's status, so the row stays
// processing until it is reclaimed. Infrastructure failures mark the job
// failed and are returned.
func (p *Processor) Execute(ctx context.Context, job models.JobQueueItem) (Outcome, error) {
	out := Outcome{JobID: job.ID, Status: models.StatusProcessing}
	log := p.jobLog(job)

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	loc, err := window.LoadLocation(job.Payload.Settings.Timezone)
	if err != nil {
		return p.fail(ctx, job, out, models.Infrastructure(err, "load timezone"))
	}
	profileID := ""
	if len(job.Payload.DestinationProfileIDs) > 0 {
		profileID = job.Payload.DestinationProfileIDs[0]
	}
	token := ""
	if p.creds != nil {
		token, err = p.creds.Token(ctx, profileID)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			return p.fail(ctx, job, out, models.Infrastructure(err, "resolve destination credentials"))
		}
	}

	items := job.Payload.Items
	targets := planner.ItemPostTimes(job.Payload, p.now(), loc, p.window)

	for i := 0; i < len(items); {
		if err := ctx.Err(); err != nil {
			log.Info().Int("next_item", i).Msg("execution cancelled")
			return out, err
		}
		item := items[i]
		ilog := log.With().Str("item_id", item.ID).Int("item_index", i).Logger()

		status, err := p.items.GetStatus(ctx, item.ID)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			return p.failWithRemainder(ctx, job, out, items[i:], carryBaseline(job, targets, i), models.Infrastructure(err, "read item status"))
		}
		if status == models.ItemSuccess {
			out.Skipped++
			telemetry.Items.WithLabelValues("skipped").Inc()
			p.event(ctx, job.ID, models.EventItemSkipped, item.ID)
			ilog.Debug().Msg("item already posted")
			i++
			continue
		}

		target := targets[i]
		req := submit.Request{Item: item, ProfileID: profileID, Token: token}
		if !target.After(p.now().Add(p.immediateBuffer)) {
			req.PostNow = true
		} else {
			at := target
			req.ScheduledAt = &at
		}

		receipt, err := p.submitter.Submit(ctx, req)
		if err == nil {
			if err := p.items.SetStatus(ctx, item.ID, models.ItemSuccess); err != nil {
				// The post exists; the next run will see a stale status and may
				// submit again, which the platform deduplicates by item id.
				return p.failWithRemainder(ctx, job, out, items[i+1:], carryBaseline(job, targets, i+1), models.Infrastructure(err, "record item success"))
			}
			out.Submitted++
			telemetry.Items.WithLabelValues("submitted").Inc()
			p.event(ctx, job.ID, models.EventItemSubmitted, fmt.Sprintf("%s post=%s post_now=%t", item.ID, receipt.PostID, req.PostNow))
			ilog.Info().Str("post_id", receipt.PostID).Bool("post_now", req.PostNow).Time("target", target).Msg("item submitted")
			p.touch(ctx, job)
			i++
			continue
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}

		if p.classify(err) == ratelimit.Retryable {
			telemetry.Backoffs.Inc()
			p.touch(ctx, job)
			werr := p.backoff.Wait(ctx, func(resumesAt time.Time) {
				p.suspend(ctx, job.ID, resumesAt)
				p.event(ctx, job.ID, models.EventRateLimited, fmt.Sprintf("%s resumes_at=%s", item.ID, resumesAt.UTC().Format(time.RFC3339)))
				ilog.Warn().Err(err).Time("resumes_at", resumesAt).Msg("rate limited, suspending job")
			})
			p.resume(ctx, job.ID)
			if werr != nil {
				log.Info().Int("next_item", i).Msg("back-off cancelled")
				return out, werr
			}
			p.touch(ctx, job)
			continue
		}

		telemetry.Items.WithLabelValues("failed").Inc()
		ilog.Warn().Err(err).Msg("item failed")
		p.event(ctx, job.ID, models.EventItemFailed, fmt.Sprintf("%s: %v", item.ID, err))
		if serr := p.items.SetStatus(ctx, item.ID, models.ItemFailed); serr != nil {
			ilog.Error().Err(serr).Msg("record item failure")
		}

		succ, cerr := p.carryOver(ctx, job, items[i:], carryBaseline(job, targets, i))
		if cerr != nil {
			return p.fail(ctx, job, out, cerr)
		}
		out.CarriedOver = len(items) - i
		out.SuccessorID = succ.ID
		break
	}

	return p.finish(ctx, job, out, models.StatusCompleted, nil)
}

// carryOver persists the successor job holding the failed item and every
// item after it. Its post timeline continues from baseline; a nil baseline
// lets the successor derive it from the settings again.
func (p *Processor) carryOver(ctx context.Context, job models.JobQueueItem, rest []models.PostItem, baseline *time.Time) (models.JobQueueItem, error) {
	ctx = context.WithoutCancel(ctx)
	now := p.now()
	succ := models.JobQueueItem{
		ID:                 p.newID(),
		OwnerID:            job.OwnerID,
		AccountID:          job.AccountID,
		Status:             models.StatusPending,
		ScheduledStartTime: now.Add(p.requeueDelay),
		BatchIndex:         job.BatchIndex + 1,
		TotalBatches:       max(job.TotalBatches, job.BatchIndex+2),
		Payload: models.JobPayload{
			Items:                 append([]models.PostItem(nil), rest...),
			DestinationProfileIDs: append([]string(nil), job.Payload.DestinationProfileIDs...),
			Strategy:              job.Payload.Strategy,
			Settings:              job.Payload.Settings,
			PostBaseline:          baseline,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.store.CreateJobs(ctx, []models.JobQueueItem{succ}); err != nil {
		return models.JobQueueItem{}, models.Infrastructure(err, "persist carry-over job")
	}
	telemetry.CarryOvers.Inc()
	p.event(ctx, job.ID, models.EventCarriedOver, fmt.Sprintf("successor=%s items=%d", succ.ID, len(rest)))
	p.event(ctx, succ.ID, models.EventPlanned, "carry-over from "+job.ID)
	p.jobLog(job).Info().Str("successor_id", succ.ID).Int("items", len(rest)).
		Time("start", succ.ScheduledStartTime).Msg("carried over remaining items")
	return succ, nil
}

// failWithRemainder carries over unattempted items on a best-effort basis,
// then fails the job.
func (p *Processor) failWithRemainder(ctx context.Context, job models.JobQueueItem, out Outcome, rest []models.PostItem, baseline *time.Time, cause error) (Outcome, error) {
	if len(rest) > 0 {
		succ, err := p.carryOver(ctx, job, rest, baseline)
		if err != nil {
			p.jobLog(job).Error().Err(err).Msg("carry over after infrastructure failure")
		} else {
			out.CarriedOver = len(rest)
			out.SuccessorID = succ.ID
		}
	}
	return p.fail(ctx, job, out, cause)
}

func (p *Processor) fail(ctx context.Context, job models.JobQueueItem, out Outcome, cause error) (Outcome, error) {
	p.jobLog(job).Error().Err(cause).Msg("job failed")
	out, err := p.finish(ctx, job, out, models.StatusFailed, cause)
	if err != nil {
		return out, errors.CombineErrors(cause, err)
	}
	return out, cause
}

func (p *Processor) finish(ctx context.Context, job models.JobQueueItem, out Outcome, status models.JobStatus, cause error) (Outcome, error) {
	ctx = context.WithoutCancel(ctx)
	var msg *string
	if cause != nil {
		s := cause.Error()
		msg = &s
	}
	ok, err := p.store.Finish(ctx, job.ID, status, msg)
	if err != nil {
		return out, models.Infrastructure(err, "finish job")
	}
	if !ok {
		p.jobLog(job).Warn().Str("status", string(status)).Msg("job was no longer processing when finishing")
	}
	out.Status = status
	telemetry.JobsFinished.WithLabelValues(string(status)).Inc()

	event := models.EventCompleted
	if status == models.StatusFailed {
		event = models.EventFailed
	}
	detail := fmt.Sprintf("submitted=%d skipped=%d carried_over=%d", out.Submitted, out.Skipped, out.CarriedOver)
	if cause != nil {
		detail += " error=" + cause.Error()
	}
	p.event(ctx, job.ID, event, detail)
	if status == models.StatusCompleted {
		p.jobLog(job).Info().Int("submitted", out.Submitted).Int("skipped", out.Skipped).
			Int("carried_over", out.CarriedOver).Msg("job completed")
	}
	return out, nil
}

// Suspensions returns the rate-limited jobs of this processor and when
// each resumes.
func (p *Processor) Suspensions() map[string]time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]time.Time, len(p.suspended))
	for id, at := range p.suspended {
		out[id] = at
	}
	return out
}

func (p *Processor) suspend(ctx context.Context, jobID string, until time.Time) {
	p.mu.Lock()
	p.suspended[jobID] = until
	p.mu.Unlock()
	telemetry.SuspendedGauge.Inc()
	if p.recorder != nil {
		if err := p.recorder.Suspend(context.WithoutCancel(ctx), jobID, p.name, until); err != nil {
			p.log.Warn().Err(err).Str("job_id", jobID).Msg("record suspension")
		}
	}
}

func (p *Processor) resume(ctx context.Context, jobID string) {
	p.mu.Lock()
	_, ok := p.suspended[jobID]
	delete(p.suspended, jobID)
	p.mu.Unlock()
	if !ok {
		return
	}
	telemetry.SuspendedGauge.Dec()
	if p.recorder != nil {
		if err := p.recorder.Resume(context.WithoutCancel(ctx), jobID); err != nil {
			p.log.Warn().Err(err).Str("job_id", jobID).Msg("clear suspension")
		}
	}
}

func (p *Processor) touch(ctx context.Context, job models.JobQueueItem) {
	if err := p.store.Touch(context.WithoutCancel(ctx), job.ID); err != nil {
		p.jobLog(job).Warn().Err(err).Msg("heartbeat failed")
	}
}

func (p *Processor) event(ctx context.Context, jobID, event, detail string) {
	if err := p.store.AppendEvent(context.WithoutCancel(ctx), jobID, event, detail); err != nil {
		p.log.Warn().Err(err).Str("job_id", jobID).Str("event", event).Msg("append event")
	}
}

func (p *Processor) jobLog(job models.JobQueueItem) *zerolog.Logger {
	l := p.log.With().Str("job_id", job.ID).Str("owner_id", job.OwnerID).Int("batch_index", job.BatchIndex).Logger()
	return &l
}

// carryBaseline anchors a successor whose first item is items[from]. The
// immediate first item of a first-now job is not on the settings timeline,
// so a successor starting there keeps no baseline: it posts that item on
// arrival and the rest at their original slots.
func carryBaseline(job models.JobQueueItem, targets []time.Time, from int) *time.Time {
	if from == 0 && job.Payload.Strategy == models.StrategyFirstNow && job.Payload.PostBaseline == nil {
		return nil
	}
	if from >= len(targets) {
		from = len(targets) - 1
	}
	t := targets[from]
	return &t
}
