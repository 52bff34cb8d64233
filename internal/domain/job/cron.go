package job

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/target/outbound-dispatch/internal/domain/model"
	apperrors "github.com/target/outbound-dispatch/internal/errors"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron parses a five-field expression or descriptor like "@daily".
func ParseCron(expr string) (cron.Schedule, error) {
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, apperrors.ValidationField("schedule.cron", fmt.Sprintf("invalid cron expression %q: %v", expr, err))
	}
	return s, nil
}

// NextCronRun returns the first occurrence of the schedule at or after notBefore,
// evaluated in the schedule's timezone.
func NextCronRun(s model.Schedule, notBefore time.Time) (time.Time, error) {
	parsed, err := ParseCron(s.Cron)
	if err != nil {
		return time.Time{}, err
	}
	// cron.Next is strictly after its argument.
	from := notBefore.In(s.Location()).Add(-time.Nanosecond)
	next := parsed.Next(from)
	if next.IsZero() {
		return time.Time{}, apperrors.InvalidSchedule("schedule.cron", "cron expression %q never fires", s.Cron)
	}
	return next.UTC(), nil
}
