package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/outbound-dispatch/internal/core"
	"github.com/target/outbound-dispatch/internal/domain/model"
)

const (
	readCount       = 32
	redeliveryDelay = 250 * time.Millisecond
)

// ensureGroup creates the consumer group at the start of the stream so
// events emitted before the first subscriber are still delivered.
func (q *Queue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.eventsKey(), q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Subscribe delivers stream events to handler until ctx is done. Events are
// acknowledged only after handler succeeds; rejected events stay pending for
// this consumer and are retried, and events left pending by a dead consumer
// are claimed after ClaimMinIdle.
func (q *Queue) Subscribe(ctx context.Context, handler core.EventHandler) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	logger := q.logger.With("consumer", q.consumer, "group", q.group)
	logger.InfoContext(ctx, "subscribed to queue events")

	backlog := true
	for {
		if ctx.Err() != nil {
			return nil
		}

		var msgs []redis.XMessage
		var err error
		if backlog {
			msgs, err = q.pending(ctx)
			if err == nil && len(msgs) == 0 {
				backlog = false
				continue
			}
		} else {
			msgs, err = q.readNew(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.ErrorContext(ctx, "read queue events failed", "error", err)
			if !sleepCtx(ctx, redeliveryDelay) {
				return nil
			}
			continue
		}

		for _, msg := range msgs {
			ev := decodeEvent(msg)
			if hErr := handler(ctx, ev); hErr != nil {
				logger.WarnContext(ctx, "event handler failed; leaving pending",
					"event_id", msg.ID, "event_type", ev.Type, "ref", ev.Ref, "error", hErr)
				backlog = true
				break
			}
			// Ack even when ctx was canceled during handling; the work is already applied.
			if ackErr := q.client.XAck(context.WithoutCancel(ctx), q.eventsKey(), q.group, msg.ID).Err(); ackErr != nil {
				logger.ErrorContext(ctx, "ack queue event failed", "event_id", msg.ID, "error", ackErr)
			}
		}
		if backlog && !sleepCtx(ctx, redeliveryDelay) {
			return nil
		}
	}
}

// pending returns events claimed from idle consumers followed by this consumer's own unacknowledged ones.
func (q *Queue) pending(ctx context.Context) ([]redis.XMessage, error) {
	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.eventsKey(),
		Group:    q.group,
		MinIdle:  q.claimMinIdle,
		Start:    "0-0",
		Count:    readCount,
		Consumer: q.consumer,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		return claimed, nil
	}
	return q.read(ctx, "0", -1)
}

func (q *Queue) readNew(ctx context.Context) ([]redis.XMessage, error) {
	return q.read(ctx, ">", q.block)
}

func (q *Queue) read(ctx context.Context, id string, block time.Duration) ([]redis.XMessage, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.eventsKey(), id},
		Count:    readCount,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []redis.XMessage
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func decodeEvent(msg redis.XMessage) model.QueueEvent {
	str := func(k string) string {
		v, _ := msg.Values[k].(string)
		return v
	}
	ev := model.QueueEvent{
		ID:    msg.ID,
		Type:  model.QueueEventType(str("type")),
		Ref:   str("ref"),
		JobID: str("job_id"),
		Error: str("error"),
	}
	if ms, err := strconv.ParseInt(str("at"), 10, 64); err == nil {
		ev.At = fromMillis(ms)
	}
	ev.AttemptsMade, _ = strconv.Atoi(str("attempts"))
	ev.Retrying = str("retrying") == "1"
	if ev.Retrying {
		if ms, err := strconv.ParseInt(str("next_run_at"), 10, 64); err == nil && ms > 0 {
			t := fromMillis(ms)
			ev.NextRunAt = &t
		}
	}
	if raw := str("result"); raw != "" {
		var cd model.CallDescriptor
		if err := json.Unmarshal([]byte(raw), &cd); err == nil {
			ev.Result = &cd
		}
	}
	return ev
}
