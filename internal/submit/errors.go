package submit

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"bulk-post-scheduler/internal/ratelimit"
)

// RetryableError is a rate-limit rejection. The same item is retried after
// the job-level back-off.
type RetryableError struct {
	Err    error
	Status int
}

func (e *RetryableError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("retryable (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error     { return e.Err }
func (e *RetryableError) RateLimited() bool { return true }
func (e *RetryableError) StatusCode() int   { return e.Status }

// TerminalError fails the item. The item and the rest of its job move to a
// successor job.
type TerminalError struct {
	Err    error
	Status int
}

func (e *TerminalError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("terminal (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("terminal: %v", e.Err)
}

func (e *TerminalError) Unwrap() error     { return e.Err }
func (e *TerminalError) RateLimited() bool { return false }
func (e *TerminalError) StatusCode() int   { return e.Status }

// Retryable wraps err as a rate-limit failure.
func Retryable(err error) error { return &RetryableError{Err: err} }

// Terminal wraps err as a terminal failure.
func Terminal(err error) error { return &TerminalError{Err: err} }

// Classify tags an untagged failure using the classifier. Already tagged
// failures are returned unchanged.
func Classify(classify ratelimit.Classifier, err error, status int) error {
	if err == nil {
		return nil
	}
	var tagged ratelimit.Tagged
	if errors.As(err, &tagged) {
		return err
	}
	if classify == nil {
		classify = ratelimit.DefaultClassifier
	}
	if classify(err) == ratelimit.Retryable {
		return &RetryableError{Err: err, Status: status}
	}
	return &TerminalError{Err: err, Status: status}
}
