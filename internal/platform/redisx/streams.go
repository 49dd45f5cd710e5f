package redisx

import (
	"time"

	"context"

	"github.com/redis/go-redis/v9"
)

// StreamEntry is one append-only-stream entry with its field map, used both
// for per-stage task-queue messages (spec §3 Queue message) and the durable
// event stream (spec §4.3).
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// PendingEntry is one row of a consumer group's pending-entry list.
type PendingEntry struct {
	MessageID     string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// Streams provides the append-only-stream + consumer-group primitives the
// task queue, event bus, and reconciler are built on.
type Streams struct {
	client *Client
}

func NewStreams(client *Client) *Streams {
	return &Streams{client: client}
}

func stringFields(fields map[string]string) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// Add appends an entry with the given fields (spec §4.2 add / §4.3 durable
// stream writes) and returns the generated message id.
func (s *Streams) Add(ctx context.Context, stream string, fields map[string]string) (string, error) {
	return s.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: stringFields(fields),
	}).Result()
}

// AddCapped appends an entry and trims the stream to approximately maxLen
// entries in the same round trip, used for the durable event stream which
// spec §3 requires be "trimmed to a bounded length".
func (s *Streams) AddCapped(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error) {
	return s.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: stringFields(fields),
	}).Result()
}

// CreateConsumerGroup creates the stream (if missing) and its consumer group,
// tolerating the group already existing.
func (s *Streams) CreateConsumerGroup(ctx context.Context, stream, group string) error {
	err := s.client.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return err
	}
	return nil
}

func toStreamEntries(msgs []redis.XMessage) []StreamEntry {
	entries := make([]StreamEntry, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if s, ok := v.(string); ok {
				fields[k] = s
			}
		}
		entries = append(entries, StreamEntry{ID: m.ID, Fields: fields})
	}
	return entries
}

// ReadNext blocks for up to `block` for a new (never-delivered) message for
// this consumer and returns at most one (spec §4.2 read_next: "returns at
// most one message with delivery_count = 1"). Returns nil, nil on timeout.
func (s *Streams) ReadNext(ctx context.Context, stream, group, consumer string, block time.Duration) (*StreamEntry, error) {
	res, err := s.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, r := range res {
		entries := toStreamEntries(r.Messages)
		if len(entries) > 0 {
			return &entries[0], nil
		}
	}
	return nil, nil
}

// Pending enumerates the stage's full pending-entry list (spec §4.2
// get_pending): message id, consumer, idle time and delivery count. The task
// id is not included; callers read the message itself to get it.
func (s *Streams) Pending(ctx context.Context, stream, group string) ([]PendingEntry, error) {
	ext, err := s.client.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  10000,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]PendingEntry, 0, len(ext))
	for _, e := range ext {
		out = append(out, PendingEntry{
			MessageID:     e.ID,
			Consumer:      e.Consumer,
			Idle:          e.Idle,
			DeliveryCount: e.RetryCount,
		})
	}
	return out, nil
}

// Claim reassigns PEL ownership of the given message ids to consumer,
// incrementing their delivery counts (spec §4.2 claim).
func (s *Streams) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]StreamEntry, error) {
	msgs, err := s.client.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}
	return toStreamEntries(msgs), nil
}

// Ack removes entries from the PEL (spec §4.2 ack).
func (s *Streams) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.client.rdb.XAck(ctx, stream, group, ids...).Err()
}

// Range reads entries between start and end ids inclusive, used by the
// reconciler to fetch an entry's fields directly by id.
func (s *Streams) Range(ctx context.Context, stream, start, end string) ([]StreamEntry, error) {
	msgs, err := s.client.rdb.XRange(ctx, stream, start, end).Result()
	if err != nil {
		return nil, err
	}
	return toStreamEntries(msgs), nil
}

// Trim trims a stream to approximately maxLen entries.
func (s *Streams) Trim(ctx context.Context, stream string, maxLen int64) error {
	return s.client.rdb.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err()
}

// Len returns the current stream length.
func (s *Streams) Len(ctx context.Context, stream string) (int64, error) {
	return s.client.rdb.XLen(ctx, stream).Result()
}
