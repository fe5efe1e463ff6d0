// Package ratelimit decides which submission failures are rate limits and
// owns the fixed job-level back-off.
package ratelimit

import (
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
)

// Verdict is the classification of a submission failure.
type Verdict int

const (
	Terminal Verdict = iota
	Retryable
)

func (v Verdict) String() string {
	if v == Retryable {
		return "retryable"
	}
	return "terminal"
}

// Classifier maps a submission failure onto a Verdict.
type Classifier func(err error) Verdict

// Tagged is implemented by errors that already know their verdict.
type Tagged interface {
	RateLimited() bool
}

// StatusCoder is implemented by errors carrying a provider status code.
type StatusCoder interface {
	StatusCode() int
}

// Signatures are the provider responses that mean "slow down".
var Signatures = []string{
	"rate limit",
	"rate_limit",
	"ratelimit",
	"too many requests",
	"quota exceeded",
	"spam_risk_too_many_posts",
	"try again later",
}

// MatchesSignature reports whether text contains a rate-limit signature.
func MatchesSignature(text string) bool {
	text = strings.ToLower(text)
	for _, sig := range Signatures {
		if strings.Contains(text, sig) {
			return true
		}
	}
	return false
}

// DefaultClassifier trusts tagged errors, then the status code, then the
// message text. Anything unrecognised is terminal.
func DefaultClassifier(err error) Verdict {
	if err == nil {
		return Terminal
	}
	var tagged Tagged
	if errors.As(err, &tagged) {
		if tagged.RateLimited() {
			return Retryable
		}
		return Terminal
	}
	var coded StatusCoder
	if errors.As(err, &coded) && coded.StatusCode() == http.StatusTooManyRequests {
		return Retryable
	}
	if MatchesSignature(err.Error()) {
		return Retryable
	}
	return Terminal
}
