package kv

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// Suspension is a rate-limited job and when it resumes.
type Suspension struct {
	JobID     string    `json:"job_id"`
	Worker    string    `json:"worker"`
	ResumesAt time.Time `json:"resumes_at"`
}

// Suspensions mirrors every processor's rate-limit suspensions into a sorted
// set scored by resume time (unix ms), so any process can list them.
type Suspensions struct {
	client    redis.Cmdable
	key       string
	workerKey string
}

func NewSuspensions(client redis.Cmdable, key string) *Suspensions {
	if key == "" {
		key = "suspended_jobs"
	}
	return &Suspensions{client: client, key: key, workerKey: key + ":worker"}
}

// Suspend records jobID as suspended by worker until resumesAt.
func (s *Suspensions) Suspend(ctx context.Context, jobID, worker string, resumesAt time.Time) error {
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.key, redis.Z{Score: float64(resumesAt.UnixMilli()), Member: jobID})
	pipe.HSet(ctx, s.workerKey, jobID, worker)
	_, err := pipe.Exec(ctx)
	return errors.Wrapf(err, "record suspension of %s", jobID)
}

// Resume drops jobID from the set.
func (s *Suspensions) Resume(ctx context.Context, jobID string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.key, jobID)
	pipe.HDel(ctx, s.workerKey, jobID)
	_, err := pipe.Exec(ctx)
	return errors.Wrapf(err, "clear suspension of %s", jobID)
}

// Active lists suspensions still in effect at now, soonest first. Entries
// that expired without a Resume (their worker died) are pruned.
func (s *Suspensions) Active(ctx context.Context, now time.Time) ([]Suspension, error) {
	cutoff := strconv.FormatInt(now.UnixMilli(), 10)
	expired, err := s.client.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read expired suspensions")
	}
	if len(expired) > 0 {
		pipe := s.client.TxPipeline()
		pipe.ZRem(ctx, s.key, toMembers(expired)...)
		pipe.HDel(ctx, s.workerKey, expired...)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, errors.Wrap(err, "prune expired suspensions")
		}
	}

	zs, err := s.client.ZRangeByScoreWithScores(ctx, s.key, &redis.ZRangeBy{Min: "(" + cutoff, Max: "+inf"}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read suspensions")
	}
	if len(zs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(zs))
	for i, z := range zs {
		ids[i], _ = z.Member.(string)
	}
	workers, err := s.client.HMGet(ctx, s.workerKey, ids...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read suspension workers")
	}
	out := make([]Suspension, len(zs))
	for i, z := range zs {
		out[i] = Suspension{JobID: ids[i], ResumesAt: time.UnixMilli(int64(z.Score)).UTC()}
		if w, ok := workers[i].(string); ok {
			out[i].Worker = w
		}
	}
	return out, nil
}

func toMembers(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
