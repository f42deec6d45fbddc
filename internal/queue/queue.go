package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/buildingvitals/timeseries-api/internal/core"
	"github.com/buildingvitals/timeseries-api/internal/data"
	"github.com/buildingvitals/timeseries-api/internal/domain/model"
)

// Queue implements the DurableQueue port on Redis Streams.
type Queue struct {
	client            redis.UniversalClient
	keys              keys
	group             string
	consumerID        string
	blockTimeout      time.Duration
	visibilityTimeout time.Duration
	deadStreamMaxLen  int64
	timeProvider      data.TimeProvider
	logger            *slog.Logger
}

// Config holds configuration for the Queue.
type Config struct {
	Client redis.UniversalClient
	// Prefix namespaces every Redis key the queue touches.
	Prefix string
	// Group is the consumer group shared by all workers.
	Group string
	// ConsumerID uniquely identifies this worker within the group.
	ConsumerID string
	// BlockTimeout bounds how long Receive waits for new messages.
	BlockTimeout time.Duration
	// VisibilityTimeout is how long a delivered, unacked message stays owned
	// by its consumer before another worker may claim it.
	VisibilityTimeout time.Duration
	DeadStreamMaxLen  int64
	TimeProvider      data.TimeProvider
	Logger            *slog.Logger
}

// New creates a Queue from the given configuration.
func New(cfg Config) (*Queue, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.ConsumerID == "" {
		return nil, errors.New("consumer ID is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	group := cfg.Group
	if group == "" {
		group = defaultGroup
	}
	blockTimeout := cfg.BlockTimeout
	if blockTimeout <= 0 {
		blockTimeout = defaultBlockTimeout
	}
	visibilityTimeout := cfg.VisibilityTimeout
	if visibilityTimeout <= 0 {
		visibilityTimeout = defaultVisibilityTimeout
	}
	deadMaxLen := cfg.DeadStreamMaxLen
	if deadMaxLen <= 0 {
		deadMaxLen = defaultDeadStreamMaxLen
	}
	timeProvider := cfg.TimeProvider
	if timeProvider == nil {
		timeProvider = &data.RealTimeProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Queue{
		client:            cfg.Client,
		keys:              keys{prefix: prefix},
		group:             group,
		consumerID:        cfg.ConsumerID,
		blockTimeout:      blockTimeout,
		visibilityTimeout: visibilityTimeout,
		deadStreamMaxLen:  deadMaxLen,
		timeProvider:      timeProvider,
		logger:            logger.With("component", "queue"),
	}, nil
}

// Initialize creates the consumer groups for every stream. Safe to call from
// multiple workers.
func (q *Queue) Initialize(ctx context.Context) error {
	streams := make([]string, 0, len(readOrder)+1)
	for _, priority := range readOrder {
		streams = append(streams, q.keys.jobStream(priority))
	}
	streams = append(streams, q.keys.dead())

	for _, stream := range streams {
		err := q.client.XGroupCreateMkStream(ctx, stream, q.group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("create consumer group for %s: %w", stream, err)
		}
	}
	return nil
}

// Send enqueues a message on the stream for its priority.
func (q *Queue) Send(ctx context.Context, msg model.QueueMessage, priority model.JobPriority) error {
	if !priority.Valid() {
		priority = model.PriorityNormal
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}

	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.keys.jobStream(priority),
		Values: map[string]any{
			messageField:    string(body),
			enqueuedAtField: q.timeProvider.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd job: %w", err)
	}
	return nil
}

// delayedEnvelope wraps a parked message with the priority it should re-enter
// the queue with.
type delayedEnvelope struct {
	Priority model.JobPriority  `json:"priority"`
	Message  model.QueueMessage `json:"message"`
}

// SendDelayed parks a message in the delayed set until the delay elapses.
// Receive promotes due messages onto their priority stream.
func (q *Queue) SendDelayed(ctx context.Context, msg model.QueueMessage, priority model.JobPriority, delay time.Duration) error {
	if delay <= 0 {
		return q.Send(ctx, msg, priority)
	}
	if !priority.Valid() {
		priority = model.PriorityNormal
	}

	body, err := json.Marshal(delayedEnvelope{Priority: priority, Message: msg})
	if err != nil {
		return fmt.Errorf("marshal delayed envelope: %w", err)
	}

	dueAt := q.timeProvider.Now().Add(delay)
	err = q.client.ZAdd(ctx, q.keys.delayed(), redis.Z{
		Score:  float64(dueAt.UnixMilli()),
		Member: string(body),
	}).Err()
	if err != nil {
		return fmt.Errorf("zadd delayed: %w", err)
	}
	return nil
}

// promoteDue moves due delayed messages onto their priority streams. ZREM
// before XADD so concurrent workers never promote the same member twice.
func (q *Queue) promoteDue(ctx context.Context) {
	now := q.timeProvider.Now().UnixMilli()
	members, err := q.client.ZRangeByScore(ctx, q.keys.delayed(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: 100,
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}

	for _, member := range members {
		removed, remErr := q.client.ZRem(ctx, q.keys.delayed(), member).Result()
		if remErr != nil || removed == 0 {
			continue
		}
		var env delayedEnvelope
		if unmarshalErr := json.Unmarshal([]byte(member), &env); unmarshalErr != nil {
			q.logger.WarnContext(ctx, "dropping malformed delayed message", "err", unmarshalErr)
			continue
		}
		if sendErr := q.Send(ctx, env.Message, env.Priority); sendErr != nil {
			q.logger.ErrorContext(ctx, "failed to promote delayed message",
				"err", sendErr, "job_id", env.Message.JobID)
		}
	}
}

// Receive returns up to max deliveries. Due delayed messages are promoted
// first, then messages idle past the visibility timeout are reclaimed from
// other consumers, then new messages are read in priority order. Returns
// ErrNoMessagesAvailable when nothing arrives within the block timeout.
func (q *Queue) Receive(ctx context.Context, max int64) ([]core.Delivery, error) {
	if max <= 0 {
		max = 1
	}

	q.promoteDue(ctx)

	if reclaimed := q.reclaimIdle(ctx, max); len(reclaimed) > 0 {
		return reclaimed, nil
	}

	streams := make([]string, 0, len(readOrder)*2)
	for _, priority := range readOrder {
		streams = append(streams, q.keys.jobStream(priority))
	}
	for range readOrder {
		streams = append(streams, ">")
	}

	results, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumerID,
		Streams:  streams,
		Count:    max,
		Block:    q.blockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, model.ErrNoMessagesAvailable
		}
		return nil, fmt.Errorf("xreadgroup jobs: %w", err)
	}

	var deliveries []core.Delivery
	for _, stream := range results {
		for _, msg := range stream.Messages {
			d, parseErr := q.parseDelivery(stream.Stream, msg, 1)
			if parseErr != nil {
				q.logger.WarnContext(ctx, "skipping malformed message",
					"stream", stream.Stream, "message_id", msg.ID, "err", parseErr)
				continue
			}
			deliveries = append(deliveries, d)
		}
	}
	if len(deliveries) == 0 {
		return nil, model.ErrNoMessagesAvailable
	}
	return deliveries, nil
}

// reclaimIdle claims messages another consumer received but never acked.
func (q *Queue) reclaimIdle(ctx context.Context, max int64) []core.Delivery {
	var deliveries []core.Delivery
	for _, priority := range readOrder {
		stream := q.keys.jobStream(priority)
		claimed := q.claimFromStream(ctx, stream, max-int64(len(deliveries)))
		deliveries = append(deliveries, claimed...)
		if int64(len(deliveries)) >= max {
			break
		}
	}
	return deliveries
}

func (q *Queue) claimFromStream(ctx context.Context, stream string, max int64) []core.Delivery {
	if max <= 0 {
		return nil
	}
	messages, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    q.group,
		Consumer: q.consumerID,
		MinIdle:  q.visibilityTimeout,
		Start:    "0-0",
		Count:    max,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			q.logger.WarnContext(ctx, "xautoclaim failed", "stream", stream, "err", err)
		}
		return nil
	}
	if len(messages) == 0 {
		return nil
	}

	attempts := q.deliveryCounts(ctx, stream)

	var deliveries []core.Delivery
	for _, msg := range messages {
		attempt := attempts[msg.ID]
		if attempt < 2 {
			attempt = 2
		}
		d, parseErr := q.parseDelivery(stream, msg, attempt)
		if parseErr != nil {
			q.logger.WarnContext(ctx, "skipping malformed reclaimed message",
				"stream", stream, "message_id", msg.ID, "err", parseErr)
			continue
		}
		deliveries = append(deliveries, d)
	}
	return deliveries
}

// deliveryCounts returns per-message delivery counts from the pending entries
// list. Best effort; missing entries fall back to a floor of two.
func (q *Queue) deliveryCounts(ctx context.Context, stream string) map[string]int64 {
	entries, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  q.group,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		return nil
	}
	counts := make(map[string]int64, len(entries))
	for _, entry := range entries {
		counts[entry.ID] = entry.RetryCount
	}
	return counts
}

// Ack acknowledges and removes a processed message.
func (q *Queue) Ack(ctx context.Context, d core.Delivery) error {
	if err := q.client.XAck(ctx, d.Stream, q.group, d.MessageID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.client.XDel(ctx, d.Stream, d.MessageID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

// DeadLetter appends a message to the dead-letter stream with its final error.
func (q *Queue) DeadLetter(ctx context.Context, msg model.QueueMessage, errText string) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.keys.dead(),
		MaxLen: q.deadStreamMaxLen,
		Approx: true,
		Values: map[string]any{
			messageField:    string(body),
			errorField:      errText,
			enqueuedAtField: q.timeProvider.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd dead letter: %w", err)
	}
	return nil
}

// ReceiveDLQ returns up to max dead-lettered deliveries.
func (q *Queue) ReceiveDLQ(ctx context.Context, max int64) ([]core.Delivery, error) {
	if max <= 0 {
		max = 1
	}

	if reclaimed := q.claimFromStream(ctx, q.keys.dead(), max); len(reclaimed) > 0 {
		return reclaimed, nil
	}

	results, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumerID,
		Streams:  []string{q.keys.dead(), ">"},
		Count:    max,
		Block:    q.blockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, model.ErrNoMessagesAvailable
		}
		return nil, fmt.Errorf("xreadgroup dead letters: %w", err)
	}

	var deliveries []core.Delivery
	for _, stream := range results {
		for _, msg := range stream.Messages {
			d, parseErr := q.parseDelivery(stream.Stream, msg, 1)
			if parseErr != nil {
				q.logger.WarnContext(ctx, "skipping malformed dead letter",
					"message_id", msg.ID, "err", parseErr)
				continue
			}
			deliveries = append(deliveries, d)
		}
	}
	if len(deliveries) == 0 {
		return nil, model.ErrNoMessagesAvailable
	}
	return deliveries, nil
}

// AckDLQ acknowledges and removes a processed dead letter.
func (q *Queue) AckDLQ(ctx context.Context, d core.Delivery) error {
	return q.Ack(ctx, d)
}

// Depths reports the size of every queue channel.
func (q *Queue) Depths(ctx context.Context) (map[string]int64, error) {
	depths := make(map[string]int64, len(readOrder)+2)
	for _, priority := range readOrder {
		depth, err := q.client.XLen(ctx, q.keys.jobStream(priority)).Result()
		if err != nil {
			return nil, fmt.Errorf("xlen %s: %w", priority, err)
		}
		depths[string(priority)] = depth
	}

	delayed, err := q.client.ZCard(ctx, q.keys.delayed()).Result()
	if err != nil {
		return nil, fmt.Errorf("zcard delayed: %w", err)
	}
	depths["delayed"] = delayed

	dead, err := q.client.XLen(ctx, q.keys.dead()).Result()
	if err != nil {
		return nil, fmt.Errorf("xlen dead: %w", err)
	}
	depths["dead"] = dead
	return depths, nil
}

func (q *Queue) parseDelivery(stream string, msg redis.XMessage, attempt int64) (core.Delivery, error) {
	raw, ok := msg.Values[messageField].(string)
	if !ok {
		return core.Delivery{}, errors.New("missing message field")
	}
	var m model.QueueMessage
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return core.Delivery{}, fmt.Errorf("unmarshal queue message: %w", err)
	}

	d := core.Delivery{
		MessageID: msg.ID,
		Stream:    stream,
		Message:   m,
		Attempt:   attempt,
	}
	if errText, hasErr := msg.Values[errorField].(string); hasErr {
		d.ErrorText = errText
	}
	return d, nil
}
