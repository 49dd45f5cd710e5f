// Package eventbus implements the dual-transport Event Bus (spec §4.3): a
// lossy pub/sub fan-out for every lifecycle event, and a durable,
// consumer-group-backed stream carrying only the crash-critical subset whose
// loss would stall job progress.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/redis/go-redis/v9"

	"github.com/ssarunic/dalston-sub001/internal/platform/redisx"
	"github.com/ssarunic/dalston-sub001/internal/platform/reqcontext"
)

// Type is a lifecycle event name (spec §4.3 Durable event list).
type Type string

const (
	JobCreated         Type = "job.created"
	TaskStarted        Type = "task.started"
	TaskCompleted      Type = "task.completed"
	TaskFailed         Type = "task.failed"
	JobCancelRequested Type = "job.cancel_requested"
	JobCompleted       Type = "job.completed"
	JobFailed          Type = "job.failed"
	JobCancelled       Type = "job.cancelled"
)

// durable is the set of event types written to the durable stream; all
// others are fan-out-only (spec §4.3 item 2).
var durable = map[Type]bool{
	JobCreated:         true,
	TaskStarted:        true,
	TaskCompleted:      true,
	TaskFailed:         true,
	JobCancelRequested: true,
	JobCompleted:       true,
	JobFailed:          true,
	JobCancelled:       true,
}

// Event is the envelope published on both transports (spec §4.3 Event envelope).
type Event struct {
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"request_id,omitempty"`
}

type Bus struct {
	client   *redisx.Client
	streams  *redisx.Streams
	logger   ectologger.Logger
	channel  string
	stream   string
	group    string
	maxLen   int64
}

func New(client *redisx.Client, streams *redisx.Streams, logger ectologger.Logger, channel, stream, group string, maxLen int64) *Bus {
	return &Bus{client: client, streams: streams, logger: logger, channel: channel, stream: stream, group: group, maxLen: maxLen}
}

// EnsureGroup creates the durable stream and its consumer group if missing;
// call once at startup before Drain/Consume.
func (b *Bus) EnsureGroup(ctx context.Context) error {
	return b.streams.CreateConsumerGroup(ctx, b.stream, b.group)
}

// Publish fans the event out over pub/sub and, for crash-critical types,
// also appends it to the durable stream (spec §4.3).
func (b *Bus) Publish(ctx context.Context, eventType Type, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	evt := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   body,
		RequestID: reqcontext.RequestID(ctx),
	}
	blob, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	if err := b.client.Publish(ctx, b.channel, string(blob)); err != nil {
		b.logger.WithContext(ctx).WithError(err).Warn("event fan-out publish failed")
	}

	if !durable[eventType] {
		return nil
	}
	fields := map[string]string{
		"type":      string(eventType),
		"timestamp": evt.Timestamp.Format(time.RFC3339Nano),
		"payload":   string(body),
	}
	if evt.RequestID != "" {
		fields["request_id"] = evt.RequestID
	}
	_, err = b.streams.AddCapped(ctx, b.stream, fields, b.maxLen)
	return err
}

// Delivery is one durable-stream entry awaiting handler processing.
type Delivery struct {
	MessageID string
	Event     Event
}

func fieldsToEvent(fields map[string]string) Delivery {
	ts, _ := time.Parse(time.RFC3339Nano, fields["timestamp"])
	return Delivery{
		Event: Event{
			Type:      Type(fields["type"]),
			Timestamp: ts,
			Payload:   json.RawMessage(fields["payload"]),
			RequestID: fields["request_id"],
		},
	}
}

// Pending returns this consumer's own unACKed entries, drained on startup
// before new entries are consumed (spec §4.3: "on startup, each orchestrator
// instance drains its own pending (unACKed) entries before consuming new ones").
func (b *Bus) Pending(ctx context.Context, consumer string) ([]Delivery, error) {
	pending, err := b.streams.Pending(ctx, b.stream, b.group)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, p := range pending {
		if p.Consumer == consumer {
			ids = append(ids, p.MessageID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	entries, err := b.streams.Claim(ctx, b.stream, b.group, consumer, 0, ids...)
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, 0, len(entries))
	for _, e := range entries {
		d := fieldsToEvent(e.Fields)
		d.MessageID = e.ID
		out = append(out, d)
	}
	return out, nil
}

// ReadNext returns at most one never-before-delivered durable event for this
// consumer, or nil on timeout.
func (b *Bus) ReadNext(ctx context.Context, consumer string, block time.Duration) (*Delivery, error) {
	entry, err := b.streams.ReadNext(ctx, b.stream, b.group, consumer, block)
	if err != nil || entry == nil {
		return nil, err
	}
	d := fieldsToEvent(entry.Fields)
	d.MessageID = entry.ID
	return &d, nil
}

// Ack removes the durable entry from the PEL once its handler has
// successfully applied the event's effect.
func (b *Bus) Ack(ctx context.Context, messageID string) error {
	return b.streams.Ack(ctx, b.stream, b.group, messageID)
}

// Subscribe opens the lossy fan-out channel for best-effort real-time
// observers (e.g. an admin-API SSE/WS bridge); not used for handler dispatch.
func (b *Bus) Subscribe(ctx context.Context) *redis.PubSub {
	return b.client.Subscribe(ctx, b.channel)
}
