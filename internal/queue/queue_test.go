package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildingvitals/timeseries-api/internal/data"
	"github.com/buildingvitals/timeseries-api/internal/domain/model"
)

func setupQueue(t *testing.T, cfg Config) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg.Client = client
	if cfg.ConsumerID == "" {
		cfg.ConsumerID = "worker-1"
	}
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = 50 * time.Millisecond
	}

	q, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, q.Initialize(context.Background()))
	return q, mr
}

func testMessage(jobID string) model.QueueMessage {
	return model.QueueMessage{
		JobID:     jobID,
		Site:      "site-a",
		Points:    []string{"ahu1/temp"},
		StartTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	}
}

func TestQueue_SendReceiveAck(t *testing.T) {
	q, _ := setupQueue(t, Config{})
	ctx := context.Background()

	msg := testMessage("job-1")
	require.NoError(t, q.Send(ctx, msg, model.PriorityNormal))

	deliveries, err := q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "job-1", deliveries[0].Message.JobID)
	assert.Equal(t, "site-a", deliveries[0].Message.Site)
	assert.EqualValues(t, 1, deliveries[0].Attempt)

	require.NoError(t, q.Ack(ctx, deliveries[0]))

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, depths["normal"])
}

func TestQueue_PriorityOrdering(t *testing.T) {
	q, _ := setupQueue(t, Config{})
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, testMessage("job-low"), model.PriorityLow))
	require.NoError(t, q.Send(ctx, testMessage("job-high"), model.PriorityHigh))

	deliveries, err := q.Receive(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, deliveries)
	assert.Equal(t, "job-high", deliveries[0].Message.JobID)
}

func TestQueue_EmptyReceive(t *testing.T) {
	q, _ := setupQueue(t, Config{})

	_, err := q.Receive(context.Background(), 10)
	require.ErrorIs(t, err, model.ErrNoMessagesAvailable)
}

func TestQueue_SendDelayed(t *testing.T) {
	clock := data.NewFixedTimeProvider(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	q, _ := setupQueue(t, Config{TimeProvider: clock})
	ctx := context.Background()

	require.NoError(t, q.SendDelayed(ctx, testMessage("job-delayed"), model.PriorityHigh, 10*time.Minute))

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depths["delayed"])

	_, err = q.Receive(ctx, 10)
	require.ErrorIs(t, err, model.ErrNoMessagesAvailable)

	clock.AddTime(11 * time.Minute)

	deliveries, err := q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "job-delayed", deliveries[0].Message.JobID)

	depths, err = q.Depths(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, depths["delayed"])
}

func TestQueue_ReclaimUnacked(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	workerA, err := New(Config{
		Client:            client,
		ConsumerID:        "worker-a",
		BlockTimeout:      50 * time.Millisecond,
		VisibilityTimeout: time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, workerA.Initialize(ctx))

	workerB, err := New(Config{
		Client:            client,
		ConsumerID:        "worker-b",
		BlockTimeout:      50 * time.Millisecond,
		VisibilityTimeout: time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, workerA.Send(ctx, testMessage("job-stuck"), model.PriorityNormal))

	// Worker A receives but never acks.
	deliveries, err := workerA.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	time.Sleep(10 * time.Millisecond)
	mr.FastForward(time.Second)

	reclaimed, err := workerB.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "job-stuck", reclaimed[0].Message.JobID)
	assert.GreaterOrEqual(t, reclaimed[0].Attempt, int64(2))
}

func TestQueue_DeadLetter(t *testing.T) {
	q, _ := setupQueue(t, Config{})
	ctx := context.Background()

	require.NoError(t, q.DeadLetter(ctx, testMessage("job-dead"), "max retries exceeded"))

	deliveries, err := q.ReceiveDLQ(ctx, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "job-dead", deliveries[0].Message.JobID)
	assert.Equal(t, "max retries exceeded", deliveries[0].ErrorText)

	require.NoError(t, q.AckDLQ(ctx, deliveries[0]))

	_, err = q.ReceiveDLQ(ctx, 10)
	require.ErrorIs(t, err, model.ErrNoMessagesAvailable)
}
