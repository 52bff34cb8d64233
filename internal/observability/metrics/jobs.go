// Package metrics holds the metric names and tag conventions shared by the
// dispatch runners.
package metrics

import (
	"maps"
	"time"

	obserrors "github.com/target/outbound-dispatch/internal/observability/errors"
	"github.com/target/outbound-dispatch/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
	ResultRetry   = "retry"
)

// JobMetric captures details about a job lifecycle event for metric emission.
type JobMetric struct {
	JobType    string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits job.transition and job.duration.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"job_type":   in.JobType,
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.Err != nil && in.Result != ResultSuccess {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.transition", 1, tags)
	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// PassMetric summarises one periodic pass (sync, reaper, stall sweep).
type PassMetric struct {
	// Name prefixes the emitted metrics, e.g. "sync" yields sync.pass.
	Name      string
	Processed int
	Failed    int
	Duration  time.Duration
	Err       error
	// At is the wall clock of the pass, used for the last-success gauge.
	At time.Time
}

// EmitPass emits <name>.pass, <name>.processed, <name>.failures, <name>.duration
// and <name>.last_success_epoch.
func EmitPass(sink statsd.Sink, in PassMetric) {
	if sink == nil || in.Name == "" {
		return
	}

	result := ResultSuccess
	switch {
	case in.Err != nil:
		result = ResultError
	case in.Processed == 0 && in.Failed == 0:
		result = ResultNoop
	}
	tags := map[string]string{"result": result}
	if in.Err != nil {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count(in.Name+".pass", 1, tags)
	if in.Processed > 0 {
		sink.Count(in.Name+".processed", int64(in.Processed), CloneTags(tags))
	}
	if in.Failed > 0 {
		sink.Count(in.Name+".failures", int64(in.Failed), CloneTags(tags))
	}
	if in.Duration > 0 {
		sink.Timing(in.Name+".duration", in.Duration, CloneTags(tags))
	}
	if in.Err == nil && !in.At.IsZero() {
		sink.Gauge(in.Name+".last_success_epoch", float64(in.At.Unix()), nil)
	}
}

// CloneTags creates a shallow copy of a tag map.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	return maps.Clone(src)
}
