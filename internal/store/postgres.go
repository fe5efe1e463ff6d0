package store

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"bulk-post-scheduler/internal/models"
)

const jobColumns = `id, owner_id, account_id, status, scheduled_start_time, batch_index, total_batches, payload, error, created_at, updated_at`

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string, opts ...Option) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	o := applyOptions(opts)
	return &Postgres{pool: pool, now: o.now}, nil
}

// Migrate applies the embedded Postgres migrations.
func (s *Postgres) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()
	return migrate(ctx, db, goose.DialectPostgres, "postgres")
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// CreateJobs inserts all rows in one transaction.
func (s *Postgres) CreateJobs(ctx context.Context, jobs []models.JobQueueItem) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := s.now().UTC()
	for _, job := range jobs {
		raw, err := marshalPayload(job.Payload)
		if err != nil {
			return err
		}
		created := job.CreatedAt
		if created.IsZero() {
			created = now
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO job_queue (`+jobColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, job.ID, job.OwnerID, job.AccountID, job.Status, job.ScheduledStartTime.UTC(),
			job.BatchIndex, job.TotalBatches, raw, job.Error, created.UTC(), now)
		if err != nil {
			return errors.Wrapf(err, "insert job %s", job.ID)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.JobQueueItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM job_queue WHERE id = $1`, id)
	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobQueueItem{}, notFound(id)
	}
	return job, err
}

func (s *Postgres) ListReady(ctx context.Context, f ReadyFilter) ([]models.JobQueueItem, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + jobColumns + ` FROM job_queue WHERE (status = $1 AND scheduled_start_time <= $2)`)
	args := []any{models.StatusPending, f.Now.UTC()}
	if !f.StaleBefore.IsZero() {
		b.WriteString(` OR (status = $3 AND updated_at < $4)`)
		args = append(args, models.StatusProcessing, f.StaleBefore.UTC())
	}
	b.WriteString(` ORDER BY scheduled_start_time, created_at, batch_index LIMIT ` + strconv.Itoa(limitOrDefault(f.Limit)))
	return s.query(ctx, b.String(), args...)
}

func (s *Postgres) ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]models.JobQueueItem, error) {
	return s.query(ctx, `
		SELECT `+jobColumns+` FROM job_queue WHERE status = $1
		ORDER BY created_at, batch_index, id LIMIT $2
	`, status, limitOrDefault(limit))
}

func (s *Postgres) CompareAndSwapStatus(ctx context.Context, id string, from, to models.JobStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_queue SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
	`, id, from, to, s.now().UTC())
	if err != nil {
		return false, errors.Wrapf(err, "swap status of %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) ReclaimStale(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_queue SET updated_at = $4
		WHERE id = $1 AND status = $2 AND updated_at < $3
	`, id, models.StatusProcessing, staleBefore.UTC(), s.now().UTC())
	if err != nil {
		return false, errors.Wrapf(err, "reclaim %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) Touch(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_queue SET updated_at = $3 WHERE id = $1 AND status = $2
	`, id, models.StatusProcessing, s.now().UTC())
	return errors.Wrapf(err, "touch %s", id)
}

func (s *Postgres) Finish(ctx context.Context, id string, status models.JobStatus, errMsg *string) (bool, error) {
	if err := finalStatus(status); err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_queue SET status = $3, error = $4, updated_at = $5
		WHERE id = $1 AND status = $2
	`, id, models.StatusProcessing, status, errMsg, s.now().UTC())
	if err != nil {
		return false, errors.Wrapf(err, "finish %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) Reschedule(ctx context.Context, id string, start time.Time, payload models.JobPayload) (bool, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_queue SET scheduled_start_time = $3, payload = $4, updated_at = $5
		WHERE id = $1 AND status = $2
	`, id, models.StatusPending, start.UTC(), raw, s.now().UTC())
	if err != nil {
		return false, errors.Wrapf(err, "reschedule %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendEvent adds a row to the job's event log.
func (s *Postgres) AppendEvent(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_events (job_id, event, detail, recorded_at)
		VALUES ($1, $2, $3, $4)
	`, jobID, event, detail, s.now().UTC())
	return errors.Wrapf(err, "append event for %s", jobID)
}

func (s *Postgres) ListEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, recorded_at FROM job_events
		WHERE job_id = $1 ORDER BY id LIMIT $2
	`, jobID, limitOrDefault(limit))
	if err != nil {
		return nil, errors.Wrap(err, "query events")
	}
	defer rows.Close()
	var out []models.JobEvent
	for rows.Next() {
		var ev models.JobEvent
		if err := rows.Scan(&ev.JobID, &ev.Event, &ev.Detail, &ev.Recorded); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		out = append(out, ev)
	}
	return out, errors.Wrap(rows.Err(), "iterate events")
}

// CountReady returns how many pending rows are due at now.
func (s *Postgres) CountReady(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM job_queue WHERE status = $1 AND scheduled_start_time <= $2
	`, models.StatusPending, now.UTC()).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count ready jobs")
	}
	return n, nil
}

func (s *Postgres) query(ctx context.Context, sql string, args ...any) ([]models.JobQueueItem, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query jobs")
	}
	defer rows.Close()
	var out []models.JobQueueItem
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, errors.Wrap(rows.Err(), "iterate jobs")
}

func scanPgJob(row pgx.Row) (models.JobQueueItem, error) {
	var job models.JobQueueItem
	var raw []byte
	var errText pgtype.Text
	if err := row.Scan(&job.ID, &job.OwnerID, &job.AccountID, &job.Status, &job.ScheduledStartTime,
		&job.BatchIndex, &job.TotalBatches, &raw, &errText, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.JobQueueItem{}, err
		}
		return models.JobQueueItem{}, errors.Wrap(err, "scan job")
	}
	if err := unmarshalPayload(raw, &job.Payload); err != nil {
		return models.JobQueueItem{}, err
	}
	job.Error = textPtr(errText)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
