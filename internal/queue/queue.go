// Package queue implements the per-stage Task Queue (spec §4.2): one Redis
// Stream per pipeline stage, a shared consumer group, delivery-count-aware
// claiming of stale pending entries, and an idempotency-key guard so a
// retry-enqueue never double-delivers the same logical attempt.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ssarunic/dalston-sub001/internal/platform/redisx"
)

// Message is a queued unit of work for one task (spec §3 Queue message).
type Message struct {
	TaskID     uuid.UUID
	JobID      uuid.UUID
	Stage      string
	EngineID   string
	InputURI   string
	Attempt    int
	EnqueuedAt time.Time
}

// Delivery wraps a Message with the stream metadata needed to ack/claim it.
type Delivery struct {
	MessageID     string
	Message       Message
	DeliveryCount int64
}

type Queue struct {
	streams       *redisx.Streams
	client        *redisx.Client
	streamPrefix  string
	group         string
	idempotencyTTL time.Duration
}

func New(streams *redisx.Streams, client *redisx.Client, streamPrefix, group string, idempotencyTTL time.Duration) *Queue {
	return &Queue{streams: streams, client: client, streamPrefix: streamPrefix, group: group, idempotencyTTL: idempotencyTTL}
}

func (q *Queue) streamName(stage string) string {
	return q.streamPrefix + stage
}

// EnsureGroup creates the stage's stream and consumer group if missing.
func (q *Queue) EnsureGroup(ctx context.Context, stage string) error {
	return q.streams.CreateConsumerGroup(ctx, q.streamName(stage), q.group)
}

func msgToFields(m Message) map[string]string {
	return map[string]string{
		"task_id":     m.TaskID.String(),
		"job_id":      m.JobID.String(),
		"stage":       m.Stage,
		"engine_id":   m.EngineID,
		"input_uri":   m.InputURI,
		"attempt":     strconv.Itoa(m.Attempt),
		"enqueued_at": strconv.FormatInt(m.EnqueuedAt.Unix(), 10),
	}
}

func fieldsToMsg(fields map[string]string) (Message, error) {
	taskID, err := uuid.Parse(fields["task_id"])
	if err != nil {
		return Message{}, fmt.Errorf("parse task_id: %w", err)
	}
	jobID, err := uuid.Parse(fields["job_id"])
	if err != nil {
		return Message{}, fmt.Errorf("parse job_id: %w", err)
	}
	attempt, _ := strconv.Atoi(fields["attempt"])
	ts, _ := strconv.ParseInt(fields["enqueued_at"], 10, 64)
	return Message{
		TaskID:     taskID,
		JobID:      jobID,
		Stage:      fields["stage"],
		EngineID:   fields["engine_id"],
		InputURI:   fields["input_uri"],
		Attempt:    attempt,
		EnqueuedAt: time.Unix(ts, 0),
	}, nil
}

// idempotencyKey scopes a retry attempt so a duplicate enqueue (e.g. from a
// reconciler retrying an orphan check that actually already succeeded) is a
// no-op (spec §4.6, §9 retry-idempotency-key).
func idempotencyKey(taskID uuid.UUID, attempt int) string {
	return fmt.Sprintf("dalston:idem:enqueue:%s:%d", taskID, attempt)
}

// Add enqueues a message onto its stage's stream, guarded by an idempotency
// key so the same (task_id, attempt) is never enqueued twice. Returns false
// if the key was already set (duplicate suppressed).
func (q *Queue) Add(ctx context.Context, m Message) (enqueued bool, err error) {
	key := idempotencyKey(m.TaskID, m.Attempt)
	ok, err := q.client.SetNX(ctx, key, "1", q.idempotencyTTL)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if _, err := q.streams.Add(ctx, q.streamName(m.Stage), msgToFields(m)); err != nil {
		return false, err
	}
	return true, nil
}

// ReadNext returns at most one never-before-delivered message for this
// consumer (spec §4.2 read_next).
func (q *Queue) ReadNext(ctx context.Context, stage, consumer string, block time.Duration) (*Delivery, error) {
	entry, err := q.streams.ReadNext(ctx, q.streamName(stage), q.group, consumer, block)
	if err != nil || entry == nil {
		return nil, err
	}
	msg, err := fieldsToMsg(entry.Fields)
	if err != nil {
		return nil, err
	}
	return &Delivery{MessageID: entry.ID, Message: msg, DeliveryCount: 1}, nil
}

// Pending lists the stage's full pending-entry list (spec §4.2 get_pending).
func (q *Queue) Pending(ctx context.Context, stage string) ([]redisx.PendingEntry, error) {
	return q.streams.Pending(ctx, q.streamName(stage), q.group)
}

// Claim reassigns stale pending entries (idle >= minIdle) to consumer,
// returning their decoded deliveries. Callers are expected to first check
// that the previous owning engine instance is actually dead (spec §4.2
// claim's reclaim policy: "idle_ms > stale threshold AND owning instance dead").
func (q *Queue) Claim(ctx context.Context, stage, consumer string, minIdle time.Duration, pending []redisx.PendingEntry) ([]Delivery, error) {
	if len(pending) == 0 {
		return nil, nil
	}
	ids := make([]string, len(pending))
	deliveryCounts := make(map[string]int64, len(pending))
	for i, p := range pending {
		ids[i] = p.MessageID
		deliveryCounts[p.MessageID] = p.DeliveryCount
	}
	entries, err := q.streams.Claim(ctx, q.streamName(stage), q.group, consumer, minIdle, ids...)
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, 0, len(entries))
	for _, e := range entries {
		msg, err := fieldsToMsg(e.Fields)
		if err != nil {
			continue
		}
		out = append(out, Delivery{MessageID: e.ID, Message: msg, DeliveryCount: deliveryCounts[e.ID] + 1})
	}
	return out, nil
}

// Ack removes the delivery from the PEL (spec §4.2 ack).
func (q *Queue) Ack(ctx context.Context, stage string, messageID string) error {
	return q.streams.Ack(ctx, q.streamName(stage), q.group, messageID)
}

// recoveryKey scopes a stale-PEL-entry recovery re-enqueue by the entry's
// own message id, distinct from the normal attempt-scoped idempotency key,
// so recovering the same stuck entry twice (e.g. two reconciler sweeps
// racing before the stale entry is acked) only re-adds once (spec §4.7
// step 4 "call add with a recovery idempotency key").
func recoveryKey(staleMessageID string) string {
	return fmt.Sprintf("dalston:idem:recover:%s", staleMessageID)
}

// AddRecovery re-enqueues a message on behalf of a stale PEL entry the
// reconciler is replacing. Callers must add before acking the old
// entry (spec §9 "add-to-stream before ACK-old-entry on recovery").
func (q *Queue) AddRecovery(ctx context.Context, staleMessageID string, m Message) (enqueued bool, err error) {
	ok, err := q.client.SetNX(ctx, recoveryKey(staleMessageID), "1", q.idempotencyTTL)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if _, err := q.streams.Add(ctx, q.streamName(m.Stage), msgToFields(m)); err != nil {
		return false, err
	}
	return true, nil
}

// Peek reads a message's fields by id without reassigning PEL ownership
// (unlike Claim), used by the reconciler to inspect an entry's task_id
// before deciding whether to reclaim it (spec §4.7 step 1).
func (q *Queue) Peek(ctx context.Context, stage, messageID string) (*Message, error) {
	entries, err := q.streams.Range(ctx, q.streamName(stage), messageID, messageID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	msg, err := fieldsToMsg(entries[0].Fields)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
