package job

import (
	"time"

	"github.com/target/outbound-dispatch/internal/domain/model"
	apperrors "github.com/target/outbound-dispatch/internal/errors"
)

// Window is the accepted lead time range for new run times.
type Window struct {
	MinLead time.Duration
	MaxLead time.Duration
}

// DefaultWindow returns the 1 minute to 14 day window.
func DefaultWindow() Window {
	return Window{MinLead: time.Minute, MaxLead: 14 * 24 * time.Hour}
}

// Validate rejects run times closer than MinLead or further than MaxLead from now.
func (w Window) Validate(field string, runAt, now time.Time) error {
	lead := runAt.Sub(now)
	if lead < w.MinLead {
		return apperrors.InvalidSchedule(field, "%s must be at least %s in the future", field, w.MinLead)
	}
	if lead > w.MaxLead {
		return apperrors.InvalidSchedule(field, "%s must be within %s from now", field, w.MaxLead)
	}
	return nil
}

// InitialStatus picks waiting for run times inside the sync lookahead and
// delayed for run times beyond it.
func InitialStatus(runAt, now time.Time, lookahead time.Duration) model.JobStatus {
	if runAt.Sub(now) > lookahead {
		return model.JobStatusDelayed
	}
	return model.JobStatusWaiting
}

// SyncDelay returns max(0, runAt - now).
func SyncDelay(runAt, now time.Time) time.Duration {
	d := runAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
