// Package consumer implements the durable-event-stream consumer loop (spec
// §4.3, §6 "Durable event stream"): on startup it drains this instance's own
// pending (unACKed) entries before consuming new ones, dispatches each event
// to the matching handler, and ACKs only after the handler's DB-durable
// effect has committed (spec §9 "write-to-DB before publish" implies the
// symmetric rule on the consuming side: ack only after the write lands).
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/ssarunic/dalston-sub001/internal/eventbus"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/handlers"
	"github.com/ssarunic/dalston-sub001/internal/orchestrator/scheduler"
	"github.com/ssarunic/dalston-sub001/pkg/metrics"
)

// Consumer drains and dispatches the durable event stream for one
// orchestrator process (spec §4.3).
type Consumer struct {
	bus          *eventbus.Bus
	scheduler    *scheduler.Scheduler
	handlers     *handlers.Handlers
	consumerName string
	blockFor     time.Duration
	logger       ectologger.Logger
}

func New(bus *eventbus.Bus, sched *scheduler.Scheduler, h *handlers.Handlers, consumerName string, blockFor time.Duration, logger ectologger.Logger) *Consumer {
	if blockFor <= 0 {
		blockFor = 5 * time.Second
	}
	return &Consumer{bus: bus, scheduler: sched, handlers: h, consumerName: consumerName, blockFor: blockFor, logger: logger}
}

// Run drains this consumer's own pending entries, then reads and dispatches
// new entries until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.drainPending(ctx); err != nil {
		c.logger.WithContext(ctx).WithError(err).Warn("drain pending durable events")
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delivery, err := c.bus.ReadNext(ctx, c.consumerName, c.blockFor)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			c.logger.WithContext(ctx).WithError(err).Warn("read next durable event")
			continue
		}
		if delivery == nil {
			continue
		}
		c.handle(ctx, *delivery)
	}
}

// drainPending replays every entry still in this consumer's PEL from a prior
// crash before any new entry is read, so a handler that committed its DB
// write but never got to ack is retried exactly once more (spec §4.3 "on
// startup... drains its own pending entries before consuming new ones").
func (c *Consumer) drainPending(ctx context.Context) error {
	deliveries, err := c.bus.Pending(ctx, c.consumerName)
	if err != nil {
		return fmt.Errorf("list pending durable events: %w", err)
	}
	for _, d := range deliveries {
		c.handle(ctx, d)
	}
	return nil
}

func (c *Consumer) handle(ctx context.Context, d eventbus.Delivery) {
	start := time.Now()
	err := c.dispatch(ctx, d.Event)
	metrics.RecordDurableEventHandlerDuration(string(d.Event.Type), time.Since(start))
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"event_type": d.Event.Type}).
			Warn("handler failed, leaving event un-acked for redelivery")
		return
	}
	if err := c.bus.Ack(ctx, d.MessageID); err != nil {
		c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"event_type": d.Event.Type}).
			Warn("ack durable event")
	}
}

// dispatch routes one durable event to its handler (spec §4.6). Every
// handler is idempotent, so a redelivery caused by a crash between the
// handler's DB write and the ack below is safe to re-run in full.
func (c *Consumer) dispatch(ctx context.Context, evt eventbus.Event) error {
	switch evt.Type {
	case eventbus.JobCreated:
		var p scheduler.JobCreatedPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("unmarshal job.created payload: %w", err)
		}
		return c.scheduler.HandleJobCreated(ctx, p.JobID)

	case eventbus.TaskStarted:
		var p handlers.TaskStartedPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("unmarshal task.started payload: %w", err)
		}
		return c.handlers.TaskStarted(ctx, p.TaskID)

	case eventbus.TaskCompleted:
		var p handlers.TaskCompletedPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("unmarshal task.completed payload: %w", err)
		}
		return c.handlers.TaskCompleted(ctx, p.TaskID, p.OutputURI)

	case eventbus.TaskFailed:
		var p handlers.TaskFailedPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("unmarshal task.failed payload: %w", err)
		}
		return c.handlers.TaskFailed(ctx, p.TaskID, p.Error)

	case eventbus.JobCancelRequested:
		var p handlers.JobCancelRequestedPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("unmarshal job.cancel_requested payload: %w", err)
		}
		return c.handlers.JobCancelRequested(ctx, p.JobID)

	case eventbus.JobCompleted, eventbus.JobFailed, eventbus.JobCancelled:
		// Terminal notifications the core itself published; nothing further
		// to apply on this side (webhook delivery is out of scope, §1).
		return nil

	default:
		c.logger.WithContext(ctx).WithFields(map[string]any{"event_type": evt.Type}).Warn("unknown durable event type, dropping")
		return nil
	}
}
