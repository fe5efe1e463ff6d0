// Package window keeps post times inside the allowed local posting hours.
package window

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"bulk-post-scheduler/internal/models"
)

// Window is the local-time range [StartHour:00, EndHour:00) in which posts may go live.
type Window struct {
	StartHour int
	EndHour   int
}

// Default is the 09:00–22:00 posting window.
var Default = Window{StartHour: 9, EndHour: 22}

// Validate checks the hours form a non-empty range within a day.
func (w Window) Validate() error {
	if w.StartHour < 0 || w.EndHour > 24 || w.StartHour >= w.EndHour {
		return errors.Newf("invalid posting window %02d:00-%02d:00", w.StartHour, w.EndHour)
	}
	return nil
}

// Normalize maps t into the window as seen in loc. Times before the window
// move to the window start on the same local day, times at or after its end
// move to the window start on the next local day, and anything inside is
// returned unchanged. The result is never earlier than t and
// Normalize(Normalize(t)) equals Normalize(t).
func (w Window) Normalize(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	y, m, d := local.Date()
	switch h := local.Hour(); {
	case h < w.StartHour:
		return time.Date(y, m, d, w.StartHour, 0, 0, 0, loc)
	case h >= w.EndHour:
		return time.Date(y, m, d+1, w.StartHour, 0, 0, 0, loc)
	default:
		return t
	}
}

// Normalize applies the default window.
func Normalize(t time.Time, loc *time.Location) time.Time {
	return Default.Normalize(t, loc)
}

// LoadLocation resolves an IANA zone name. Empty means UTC.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "unknown timezone %q", name), models.ErrValidation)
	}
	return loc, nil
}
