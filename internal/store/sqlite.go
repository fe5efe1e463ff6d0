package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"bulk-post-scheduler/internal/models"
)

// SQLite is a single-file queue store for one-host deployments and tests.
// Times are stored as unix milliseconds.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies
// migrations. ":memory:" gives a private in-process database.
func OpenSQLite(ctx context.Context, path string, busyTimeout time.Duration, opts ...Option) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create sqlite dir")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One writer; also keeps a :memory: database alive on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()))
	}
	if !memory {
		_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
		_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
	}

	s := NewSQLite(db, opts...)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an already opened database without migrating it.
func NewSQLite(db *sql.DB, opts ...Option) *SQLite {
	o := applyOptions(opts)
	return &SQLite{db: db, now: o.now}
}

// Migrate applies the embedded SQLite migrations.
func (s *SQLite) Migrate(ctx context.Context) error {
	return migrate(ctx, s.db, goose.DialectSQLite3, "sqlite")
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) nowMS() int64 { return s.now().UnixMilli() }

func (s *SQLite) CreateJobs(ctx context.Context, jobs []models.JobQueueItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.nowMS()
	for _, job := range jobs {
		raw, err := marshalPayload(job.Payload)
		if err != nil {
			return err
		}
		created := now
		if !job.CreatedAt.IsZero() {
			created = job.CreatedAt.UnixMilli()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO job_queue (`+jobColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, job.ID, job.OwnerID, job.AccountID, string(job.Status), job.ScheduledStartTime.UnixMilli(),
			job.BatchIndex, job.TotalBatches, string(raw), nullString(job.Error), created, now)
		if err != nil {
			return errors.Wrapf(err, "insert job %s", job.ID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func (s *SQLite) GetJob(ctx context.Context, id string) (models.JobQueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job_queue WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.JobQueueItem{}, notFound(id)
	}
	return job, err
}

func (s *SQLite) ListReady(ctx context.Context, f ReadyFilter) ([]models.JobQueueItem, error) {
	q := `SELECT ` + jobColumns + ` FROM job_queue WHERE (status = ? AND scheduled_start_time <= ?)`
	args := []any{string(models.StatusPending), f.Now.UnixMilli()}
	if !f.StaleBefore.IsZero() {
		q += ` OR (status = ? AND updated_at < ?)`
		args = append(args, string(models.StatusProcessing), f.StaleBefore.UnixMilli())
	}
	q += ` ORDER BY scheduled_start_time, created_at, batch_index LIMIT ?`
	args = append(args, limitOrDefault(f.Limit))
	return s.query(ctx, q, args...)
}

func (s *SQLite) ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]models.JobQueueItem, error) {
	return s.query(ctx, `
		SELECT `+jobColumns+` FROM job_queue WHERE status = ?
		ORDER BY created_at, batch_index, id LIMIT ?
	`, string(status), limitOrDefault(limit))
}

func (s *SQLite) CompareAndSwapStatus(ctx context.Context, id string, from, to models.JobStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_queue SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, string(to), s.nowMS(), id, string(from))
	if err != nil {
		return false, errors.Wrapf(err, "swap status of %s", id)
	}
	return affectedOne(res)
}

func (s *SQLite) ReclaimStale(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_queue SET updated_at = ? WHERE id = ? AND status = ? AND updated_at < ?
	`, s.nowMS(), id, string(models.StatusProcessing), staleBefore.UnixMilli())
	if err != nil {
		return false, errors.Wrapf(err, "reclaim %s", id)
	}
	return affectedOne(res)
}

func (s *SQLite) Touch(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_queue SET updated_at = ? WHERE id = ? AND status = ?
	`, s.nowMS(), id, string(models.StatusProcessing))
	return errors.Wrapf(err, "touch %s", id)
}

func (s *SQLite) Finish(ctx context.Context, id string, status models.JobStatus, errMsg *string) (bool, error) {
	if err := finalStatus(status); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_queue SET status = ?, error = ?, updated_at = ? WHERE id = ? AND status = ?
	`, string(status), nullString(errMsg), s.nowMS(), id, string(models.StatusProcessing))
	if err != nil {
		return false, errors.Wrapf(err, "finish %s", id)
	}
	return affectedOne(res)
}

func (s *SQLite) Reschedule(ctx context.Context, id string, start time.Time, payload models.JobPayload) (bool, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_queue SET scheduled_start_time = ?, payload = ?, updated_at = ? WHERE id = ? AND status = ?
	`, start.UnixMilli(), string(raw), s.nowMS(), id, string(models.StatusPending))
	if err != nil {
		return false, errors.Wrapf(err, "reschedule %s", id)
	}
	return affectedOne(res)
}

func (s *SQLite) AppendEvent(ctx context.Context, jobID, event, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_events (job_id, event, detail, recorded_at) VALUES (?, ?, ?, ?)
	`, jobID, event, detail, s.nowMS())
	return errors.Wrapf(err, "append event for %s", jobID)
}

func (s *SQLite) ListEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, event, detail, recorded_at FROM job_events WHERE job_id = ? ORDER BY id LIMIT ?
	`, jobID, limitOrDefault(limit))
	if err != nil {
		return nil, errors.Wrap(err, "query events")
	}
	defer rows.Close()
	var out []models.JobEvent
	for rows.Next() {
		var ev models.JobEvent
		var at int64
		if err := rows.Scan(&ev.JobID, &ev.Event, &ev.Detail, &at); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		ev.Recorded = time.UnixMilli(at).UTC()
		out = append(out, ev)
	}
	return out, errors.Wrap(rows.Err(), "iterate events")
}

func (s *SQLite) CountReady(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM job_queue WHERE status = ? AND scheduled_start_time <= ?
	`, string(models.StatusPending), now.UnixMilli()).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count ready jobs")
	}
	return n, nil
}

func (s *SQLite) query(ctx context.Context, q string, args ...any) ([]models.JobQueueItem, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query jobs")
	}
	defer rows.Close()
	var out []models.JobQueueItem
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, errors.Wrap(rows.Err(), "iterate jobs")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (models.JobQueueItem, error) {
	var (
		job                     models.JobQueueItem
		status, raw             string
		errText                 sql.NullString
		start, created, updated int64
	)
	if err := row.Scan(&job.ID, &job.OwnerID, &job.AccountID, &status, &start,
		&job.BatchIndex, &job.TotalBatches, &raw, &errText, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.JobQueueItem{}, err
		}
		return models.JobQueueItem{}, errors.Wrap(err, "scan job")
	}
	if err := unmarshalPayload([]byte(raw), &job.Payload); err != nil {
		return models.JobQueueItem{}, err
	}
	job.Status = models.JobStatus(status)
	job.ScheduledStartTime = time.UnixMilli(start).UTC()
	job.CreatedAt = time.UnixMilli(created).UTC()
	job.UpdatedAt = time.UnixMilli(updated).UTC()
	if errText.Valid {
		job.Error = &errText.String
	}
	return job, nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n == 1, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
