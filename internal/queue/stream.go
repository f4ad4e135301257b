package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const payloadField = "payload"

// ErrMalformedJob marks a stream entry whose payload cannot be decoded into a LogJob.
var ErrMalformedJob = errors.New("malformed log job")

// LogJob records one exchange. Charge tells the worker to bump the question counter.
type LogJob struct {
	JobID      string    `json:"job_id"`
	InstanceID int64     `json:"instance_id"`
	UserID     int64     `json:"user_id"`
	SessionID  string    `json:"session_id"`
	Request    string    `json:"request"`
	Response   string    `json:"response"`
	Outcome    string    `json:"outcome"`
	Charge     bool      `json:"charge"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
}

// StreamQueue carries log jobs from request handlers to the log worker through a Redis stream
// consumer group. Acked entries are deleted, so the stream length is the backlog.
type StreamQueue struct {
	redis    *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
}

// Message is one delivered entry. Err is ErrMalformedJob when the payload could not be
// decoded; such entries still need an Ack to leave the pending list.
type Message struct {
	ID  string
	Job LogJob
	Err error
}

func NewStreamQueue(rdb *redis.Client, stream, group, consumer string, block time.Duration) *StreamQueue {
	return &StreamQueue{
		redis:    rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    block,
	}
}

func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	if q == nil {
		return fmt.Errorf("log queue is nil")
	}
	err := q.redis.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create log stream group: %w", err)
	}
	return nil
}

// Enqueue fills in a job id and timestamp when missing and appends the job to the stream.
func (q *StreamQueue) Enqueue(ctx context.Context, job LogJob) (string, error) {
	if strings.TrimSpace(job.JobID) == "" {
		job.JobID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal log job: %w", err)
	}

	id, err := q.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue log job: %w", err)
	}
	return id, nil
}

// Read delivers up to count new entries to this consumer, blocking for the configured time.
func (q *StreamQueue) Read(ctx context.Context, count int64) ([]Message, error) {
	res, err := q.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    q.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	out := make([]Message, 0)
	for _, s := range res {
		out = append(out, decodeAll(s.Messages)...)
	}
	return out, nil
}

// Reclaim takes over entries another consumer read but never acked within minIdle, for
// example after a worker crashed mid-job. Jobs left there would never be logged or charged.
func (q *StreamQueue) Reclaim(ctx context.Context, minIdle time.Duration, count int64) ([]Message, error) {
	msgs, _, err := q.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	return decodeAll(msgs), nil
}

func (q *StreamQueue) Ack(ctx context.Context, messageID string) error {
	if err := q.redis.XAck(ctx, q.stream, q.group, messageID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.redis.XDel(ctx, q.stream, messageID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

// Backlog is the number of entries not yet acked, delivered or not.
func (q *StreamQueue) Backlog(ctx context.Context) (int64, error) {
	n, err := q.redis.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen: %w", err)
	}
	return n, nil
}

func (q *StreamQueue) Consumer() string {
	return q.consumer
}

func decodeAll(entries []redis.XMessage) []Message {
	out := make([]Message, 0, len(entries))
	for _, m := range entries {
		job, err := decodeJob(m.Values)
		out = append(out, Message{ID: m.ID, Job: job, Err: err})
	}
	return out
}

func decodeJob(values map[string]any) (LogJob, error) {
	var raw []byte
	switch v := values[payloadField].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return LogJob{}, fmt.Errorf("%w: missing %s field", ErrMalformedJob, payloadField)
	}
	var job LogJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return LogJob{}, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	return job, nil
}
