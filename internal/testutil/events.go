package testutil

import (
	"context"
	"time"

	"github.com/target/outbound-dispatch/internal/core"
	"github.com/target/outbound-dispatch/internal/domain/model"
)

// CollectEvents subscribes to q in the background and forwards every event to
// the returned channel until ctx is done.
func CollectEvents(ctx context.Context, q core.DispatchQueue) <-chan model.QueueEvent {
	ch := make(chan model.QueueEvent, 64)
	go func() {
		_ = q.Subscribe(ctx, func(ctx context.Context, ev model.QueueEvent) error {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
			return nil
		})
	}()
	return ch
}

// WaitForEvent reads from ch until an event of type typ arrives or the timeout elapses.
func WaitForEvent(t TestingTB, ch <-chan model.QueueEvent, typ model.QueueEventType) model.QueueEvent {
	t.Helper()
	timeout := time.NewTimer(5 * time.Second)
	defer timeout.Stop()
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-timeout.C:
			t.Fatalf("timed out waiting for %s event", typ)
			return model.QueueEvent{}
		}
	}
}
