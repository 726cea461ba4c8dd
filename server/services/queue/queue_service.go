package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/batchops/batchops/common/gerror"
	"github.com/batchops/batchops/common/logger"
	"github.com/batchops/batchops/common/models"
	"github.com/batchops/batchops/server/services"
)

const (
	readyKey   = "batchops:queue:ready"
	delayedKey = "batchops:queue:delayed"
	leasesKey  = "batchops:queue:leases"
	tasksKey   = "batchops:queue:tasks"
	workersKey = "batchops:queue:workers"
)

// claimScript pops one task off the tail of the FIFO and records a lease.
// KEYS: ready, tasks, leases, workers. ARGV: lease expiry (unix ms), worker id.
var claimScript = redis.NewScript(`
local payload = redis.call('RPOP', KEYS[1])
if not payload then
	return false
end
local task = cjson.decode(payload)
redis.call('HSET', KEYS[2], task.id, payload)
redis.call('ZADD', KEYS[3], ARGV[1], task.id)
redis.call('HSET', KEYS[4], task.id, ARGV[2])
return payload
`)

// promoteScript moves due delayed tasks into the FIFO in fire-time order and
// returns expired leases to the FIFO for re-delivery.
// KEYS: ready, delayed, tasks, leases, workers. ARGV: now (unix ms).
var promoteScript = redis.NewScript(`
local moved = 0
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for i = 1, #due do
	redis.call('LPUSH', KEYS[1], due[i])
	moved = moved + 1
end
if #due > 0 then
	redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[4], '-inf', ARGV[1])
for i = 1, #expired do
	local payload = redis.call('HGET', KEYS[3], expired[i])
	if payload then
		redis.call('LPUSH', KEYS[1], payload)
		moved = moved + 1
	end
	redis.call('HDEL', KEYS[3], expired[i])
	redis.call('HDEL', KEYS[5], expired[i])
end
if #expired > 0 then
	redis.call('ZREMRANGEBYSCORE', KEYS[4], '-inf', ARGV[1])
end
return moved
`)

// enqueueOnceScript records a marker and pushes the task onto the FIFO in one
// atomic step, or does nothing if the marker already exists.
// KEYS: marker, ready. ARGV: marker value, task payload, marker ttl seconds.
var enqueueOnceScript = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('LPUSH', KEYS[2], ARGV[2])
return 1
`)

// ackScript removes the lease for a claimed task, but only for the worker
// holding it. KEYS: tasks, leases, workers. ARGV: task id, worker id.
var ackScript = redis.NewScript(`
local holder = redis.call('HGET', KEYS[3], ARGV[1])
if holder and holder ~= ARGV[2] then
	return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

// RedisQueueService is a FIFO task queue with a delayed set and claim leases,
// backed by a Redis-compatible key/value store. Delivery is at-least-once:
// a task whose lease expires is returned to the FIFO by Promote.
type RedisQueueService struct {
	client redis.UniversalClient
	logger.Log
}

func NewRedisQueueService(client redis.UniversalClient, logFactory logger.LogFactory) *RedisQueueService {
	return &RedisQueueService{
		client: client,
		Log:    logFactory("QueueService"),
	}
}

// NewTask builds a task ready for enqueueing.
func NewTask(now models.Time, jobID models.JobID, callable string, args []interface{}, kwargs map[string]interface{}, uploadID *models.UploadID) *services.Task {
	return &services.Task{
		ID:         uuid.New().String(),
		JobID:      jobID,
		Callable:   callable,
		Args:       args,
		Kwargs:     kwargs,
		UploadID:   uploadID,
		EnqueuedAt: now,
	}
}

// Enqueue appends a task to the FIFO of immediately-runnable work.
func (s *RedisQueueService) Enqueue(ctx context.Context, task *services.Task) error {
	payload, err := marshalTask(task)
	if err != nil {
		return err
	}
	err = s.client.LPush(ctx, readyKey, payload).Err()
	if err != nil {
		return gerror.NewErrTransient("Queue store unreachable", err)
	}
	s.Tracef("Enqueued task %s (%s)", task.ID, task.Callable)
	return nil
}

// EnqueueAt inserts a task into the delayed set keyed by the target fire time.
func (s *RedisQueueService) EnqueueAt(ctx context.Context, task *services.Task, at time.Time) error {
	payload, err := marshalTask(task)
	if err != nil {
		return err
	}
	err = s.client.ZAdd(ctx, delayedKey, redis.Z{Score: float64(at.UnixMilli()), Member: payload}).Err()
	if err != nil {
		return gerror.NewErrTransient("Queue store unreachable", err)
	}
	s.Tracef("Enqueued delayed task %s (%s) for %s", task.ID, task.Callable, at.UTC())
	return nil
}

// EnqueueOnce atomically records markerKey and appends the task to the FIFO.
// If the marker already exists nothing is enqueued and false is returned, so
// callers can retry the whole operation after a crash without double-enqueueing.
func (s *RedisQueueService) EnqueueOnce(ctx context.Context, markerKey string, ttl time.Duration, task *services.Task) (bool, error) {
	payload, err := marshalTask(task)
	if err != nil {
		return false, err
	}
	res, err := enqueueOnceScript.Run(ctx, s.client,
		[]string{markerKey, readyKey},
		task.ID, payload, int(ttl.Seconds())).Int()
	if err != nil {
		return false, gerror.NewErrTransient("Queue store unreachable", err)
	}
	if res == 0 {
		return false, nil
	}
	s.Tracef("Enqueued task %s (%s) under marker %s", task.ID, task.Callable, markerKey)
	return true, nil
}

// Promote moves due delayed tasks into the FIFO and returns expired-lease
// tasks to the FIFO, preserving relative target order for the delayed entries.
func (s *RedisQueueService) Promote(ctx context.Context, now time.Time) (int, error) {
	res, err := promoteScript.Run(ctx, s.client,
		[]string{readyKey, delayedKey, tasksKey, leasesKey, workersKey},
		now.UnixMilli()).Int()
	if err != nil && err != redis.Nil {
		return 0, gerror.NewErrTransient("Queue store unreachable", err)
	}
	if res > 0 {
		s.Debugf("Promoted %d task(s) into the ready queue", res)
	}
	return res, nil
}

// Claim atomically pops one FIFO entry and records a lease held by workerID.
// Returns nil with no error if the FIFO is empty.
func (s *RedisQueueService) Claim(ctx context.Context, workerID string, now time.Time, leaseDuration time.Duration) (*services.Task, error) {
	expiry := now.Add(leaseDuration).UnixMilli()
	res, err := claimScript.Run(ctx, s.client,
		[]string{readyKey, tasksKey, leasesKey, workersKey},
		expiry, workerID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, gerror.NewErrTransient("Queue store unreachable", err)
	}
	payload, ok := res.(string)
	if !ok {
		return nil, errors.Errorf("error unexpected claim result type: %T", res)
	}
	task := &services.Task{}
	err = json.Unmarshal([]byte(payload), task)
	if err != nil {
		return nil, errors.Wrap(err, "error parsing claimed task")
	}
	s.Tracef("Worker %s claimed task %s (%s)", workerID, task.ID, task.Callable)
	return task, nil
}

// Ack removes the lease for a claimed task. Acking a task whose lease has
// already been re-claimed by another worker is a no-op.
func (s *RedisQueueService) Ack(ctx context.Context, workerID string, taskID string) error {
	err := ackScript.Run(ctx, s.client,
		[]string{tasksKey, leasesKey, workersKey},
		taskID, workerID).Err()
	if err != nil && err != redis.Nil {
		return gerror.NewErrTransient("Queue store unreachable", err)
	}
	return nil
}

// RemoveDelayedForJob removes all not-yet-promoted delayed tasks for the
// specified job, returning the number removed.
func (s *RedisQueueService) RemoveDelayedForJob(ctx context.Context, jobID models.JobID) (int, error) {
	members, err := s.client.ZRange(ctx, delayedKey, 0, -1).Result()
	if err != nil {
		return 0, gerror.NewErrTransient("Queue store unreachable", err)
	}
	removed := 0
	for _, payload := range members {
		task := &services.Task{}
		if json.Unmarshal([]byte(payload), task) != nil {
			continue
		}
		if task.JobID != jobID {
			continue
		}
		err = s.client.ZRem(ctx, delayedKey, payload).Err()
		if err != nil {
			return removed, gerror.NewErrTransient("Queue store unreachable", err)
		}
		removed++
	}
	if removed > 0 {
		s.Debugf("Removed %d pending delayed task(s) for job %s", removed, jobID)
	}
	return removed, nil
}

func marshalTask(task *services.Task) (string, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return "", errors.Wrap(err, "error serializing task")
	}
	return string(data), nil
}
