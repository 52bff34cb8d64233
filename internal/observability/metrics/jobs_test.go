package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/target/outbound-dispatch/internal/errors"
	"github.com/target/outbound-dispatch/internal/observability/statsd"
)

func TestEmitJobLifecycle(t *testing.T) {
	rec := statsd.NewRecorder()
	EmitJobLifecycle(rec, JobMetric{
		JobType:    "outbound_dispatch",
		Transition: "failed",
		Result:     ResultRetry,
		Duration:   20 * time.Millisecond,
		Err:        apperrors.DispatchTarget(errors.New("503"), true, "rejected"),
	})

	counts := rec.Samples("job.transition")
	require.Len(t, counts, 1)
	assert.Equal(t, "dispatch_target", counts[0].Tags["error_class"])
	assert.Equal(t, "retry", counts[0].Tags["result"])
	assert.Len(t, rec.Samples("job.duration"), 1)

	EmitJobLifecycle(nil, JobMetric{})
}

func TestEmitPass(t *testing.T) {
	rec := statsd.NewRecorder()
	at := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	EmitPass(rec, PassMetric{Name: "sync", Processed: 3, Failed: 1, Duration: time.Second, At: at})
	EmitPass(rec, PassMetric{Name: "sync", At: at})
	EmitPass(rec, PassMetric{Name: "sync", Err: errors.New("db down"), At: at})

	passes := rec.Samples("sync.pass")
	require.Len(t, passes, 3)
	assert.Equal(t, ResultSuccess, passes[0].Tags["result"])
	assert.Equal(t, ResultNoop, passes[1].Tags["result"])
	assert.Equal(t, ResultError, passes[2].Tags["result"])
	assert.Equal(t, int64(3), rec.CountTotal("sync.processed"))
	assert.Equal(t, int64(1), rec.CountTotal("sync.failures"))
	assert.Len(t, rec.Samples("sync.last_success_epoch"), 2)
}
