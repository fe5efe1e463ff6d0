package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type taggedErr struct{ limited bool }

func (e taggedErr) Error() string     { return "rate limit exceeded" }
func (e taggedErr) RateLimited() bool { return e.limited }

type codedErr struct{ code int }

func (e codedErr) Error() string   { return "provider error" }
func (e codedErr) StatusCode() int { return e.code }

func TestDefaultClassifier(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Verdict
	}{
		{"nil", nil, Terminal},
		{"plain failure", errors.New("invalid media format"), Terminal},
		{"rate limit text", errors.New("Rate limit reached for this account"), Retryable},
		{"snake case", errors.New("error code rate_limit_exceeded"), Retryable},
		{"too many requests", errors.New("429 Too Many Requests"), Retryable},
		{"spam risk", errors.New("spam_risk_too_many_posts"), Retryable},
		{"quota", errors.New("daily quota exceeded"), Retryable},
		{"wrapped text", errors.Wrap(errors.New("try again later"), "submit"), Retryable},
		{"status 429", codedErr{code: 429}, Retryable},
		{"status 500", codedErr{code: 500}, Terminal},
		{"tag wins over text", taggedErr{limited: false}, Terminal},
		{"tagged retryable", errors.Wrap(taggedErr{limited: true}, "submit"), Retryable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DefaultClassifier(tc.err))
		})
	}
}

func TestBackoffReportsResumeTime(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	fired := make(chan time.Time, 1)
	fired <- now
	var waited time.Duration
	b := Backoff{
		Delay: time.Hour,
		Now:   func() time.Time { return now },
		After: func(d time.Duration) <-chan time.Time {
			waited = d
			return fired
		},
	}

	var resumes time.Time
	require.NoError(t, b.Wait(context.Background(), func(at time.Time) { resumes = at }))
	assert.Equal(t, now.Add(time.Hour), resumes)
	assert.Equal(t, time.Hour, waited)
}

func TestBackoffCancellable(t *testing.T) {
	b := Backoff{After: func(time.Duration) <-chan time.Time { return make(chan time.Time) }}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	suspended := make(chan struct{})
	go func() { done <- b.Wait(ctx, func(time.Time) { close(suspended) }) }()

	<-suspended
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not return after cancel")
	}
}

func TestBackoffDefaults(t *testing.T) {
	assert.Equal(t, DefaultBackoff, Backoff{}.delay())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Backoff{}.Wait(ctx, nil), context.Canceled)
}
