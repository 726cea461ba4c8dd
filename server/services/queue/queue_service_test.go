package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchops/batchops/common/logger"
	"github.com/batchops/batchops/common/models"
	"github.com/batchops/batchops/server/services"
)

func newTestQueue(t *testing.T) *RedisQueueService {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisQueueService(client, logger.NoOpLogFactory)
}

func testTask(now time.Time, callable string) *services.Task {
	return NewTask(models.NewTime(now), models.NewJobID(), callable, nil, nil, nil)
}

func TestQueueFIFOOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	first := testTask(now, "pipeline.process_upload")
	second := testTask(now, "ingest.generate_upload")
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	claimed, err := q.Claim(ctx, "worker-1", now, 10*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)

	claimed, err = q.Claim(ctx, "worker-1", now, 10*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, second.ID, claimed.ID)

	claimed, err = q.Claim(ctx, "worker-1", now, 10*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestQueuePromoteDelayedPreservesOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	late := testTask(now, "late")
	early := testTask(now, "early")
	require.NoError(t, q.EnqueueAt(ctx, late, now.Add(2*time.Minute)))
	require.NoError(t, q.EnqueueAt(ctx, early, now.Add(1*time.Minute)))

	// Nothing is due yet
	moved, err := q.Promote(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, moved)
	claimed, err := q.Claim(ctx, "worker-1", now, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	moved, err = q.Promote(ctx, now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	claimed, err = q.Claim(ctx, "worker-1", now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, early.ID, claimed.ID)

	claimed, err = q.Claim(ctx, "worker-1", now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, late.ID, claimed.ID)
}

func TestQueueEnqueueOnceGuardsByMarker(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	task := testTask(now, "pipeline.process_upload")
	enqueued, err := q.EnqueueOnce(ctx, "batchops:test:marker", time.Hour, task)
	require.NoError(t, err)
	assert.True(t, enqueued)

	// Replaying the same marker never enqueues a second copy
	enqueued, err = q.EnqueueOnce(ctx, "batchops:test:marker", time.Hour, task)
	require.NoError(t, err)
	assert.False(t, enqueued)

	claimed, err := q.Claim(ctx, "worker-1", now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, task.ID, claimed.ID)

	claimed, err = q.Claim(ctx, "worker-1", now, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestQueueAtLeastOnceRedelivery(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	task := testTask(now, "pipeline.process_upload")
	require.NoError(t, q.Enqueue(ctx, task))

	// Worker claims but crashes before ack
	claimed, err := q.Claim(ctx, "worker-1", now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Before lease expiry nobody else can claim it
	other, err := q.Claim(ctx, "worker-2", now, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, other)

	// After lease expiry the task is returned to the FIFO
	_, err = q.Promote(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)

	other, err = q.Claim(ctx, "worker-2", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, other)
	assert.Equal(t, task.ID, other.ID)
}

func TestQueueAckRemovesLease(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	task := testTask(now, "pipeline.process_upload")
	require.NoError(t, q.Enqueue(ctx, task))

	claimed, err := q.Claim(ctx, "worker-1", now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, q.Ack(ctx, "worker-1", claimed.ID))

	// Acked task must not come back after lease expiry
	_, err = q.Promote(ctx, now.Add(5*time.Minute))
	require.NoError(t, err)
	again, err := q.Claim(ctx, "worker-2", now.Add(5*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestQueueAckIgnoresStaleWorker(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	task := testTask(now, "pipeline.process_upload")
	require.NoError(t, q.Enqueue(ctx, task))

	_, err := q.Claim(ctx, "worker-1", now, time.Minute)
	require.NoError(t, err)

	// Lease expires and worker-2 re-claims
	_, err = q.Promote(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	reclaimed, err := q.Claim(ctx, "worker-2", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)

	// A late ack from the crashed worker must not release worker-2's lease
	require.NoError(t, q.Ack(ctx, "worker-1", task.ID))
	_, err = q.Promote(ctx, now.Add(2*time.Minute+30*time.Second))
	require.NoError(t, err)
	stolen, err := q.Claim(ctx, "worker-3", now.Add(2*time.Minute+30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, stolen)
}
