package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchops/batchops/common/gerror"
	"github.com/batchops/batchops/common/logger"
	"github.com/batchops/batchops/common/models"
	"github.com/batchops/batchops/server/services"
	"github.com/batchops/batchops/server/services/queue"
	"github.com/batchops/batchops/server/store"
)

// fakeRunStore is an in-memory JobRunStore for exercising the worker pool.
type fakeRunStore struct {
	mutex sync.Mutex
	runs  map[models.JobRunID]*models.JobRun
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: make(map[models.JobRunID]*models.JobRun)}
}

func (f *fakeRunStore) Create(ctx context.Context, txOrNil *store.Tx, run *models.JobRun) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	copied := *run
	f.runs[run.ID] = &copied
	return nil
}

func (f *fakeRunStore) Read(ctx context.Context, txOrNil *store.Tx, id models.JobRunID) (*models.JobRun, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, gerror.NewErrNotFound(fmt.Sprintf("job run %s not found", id))
	}
	copied := *run
	return &copied, nil
}

func (f *fakeRunStore) Update(ctx context.Context, txOrNil *store.Tx, run *models.JobRun) error {
	return f.Create(ctx, txOrNil, run)
}

func (f *fakeRunStore) ListByUpload(ctx context.Context, txOrNil *store.Tx, uploadID models.UploadID) ([]*models.JobRun, error) {
	return nil, nil
}

func (f *fakeRunStore) ListByJob(ctx context.Context, txOrNil *store.Tx, jobID models.JobID) ([]*models.JobRun, error) {
	return nil, nil
}

func (f *fakeRunStore) all() []*models.JobRun {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	runs := make([]*models.JobRun, 0, len(f.runs))
	for _, run := range f.runs {
		copied := *run
		runs = append(runs, &copied)
	}
	return runs
}

type workerFixture struct {
	pool     *WorkerPoolService
	queue    *queue.RedisQueueService
	registry *Registry
	runStore *fakeRunStore
	clock    *clock.Mock
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := queue.NewRedisQueueService(client, logger.NoOpLogFactory)
	registry := NewRegistry(logger.NoOpLogFactory)
	runStore := newFakeRunStore()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	return &workerFixture{
		pool:     NewWorkerPoolService(WorkerPoolConfig{}, q, registry, runStore, clk, logger.NoOpLogFactory),
		queue:    q,
		registry: registry,
		runStore: runStore,
		clock:    clk,
	}
}

func enqueueAndClaim(t *testing.T, f *workerFixture, task *services.Task) *services.Task {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.queue.Enqueue(ctx, task))
	claimed, err := f.queue.Claim(ctx, "worker-1", f.clock.Now(), f.pool.leaseDuration)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	return claimed
}

func TestWorkerExecutesCallable(t *testing.T) {
	f := newWorkerFixture(t)
	invoked := false
	require.NoError(t, f.registry.Register("pipeline.process_upload", func(ctx context.Context, req *services.CallableRequest) error {
		invoked = true
		assert.Equal(t, []interface{}{"a"}, req.Args)
		assert.Equal(t, map[string]interface{}{"k": "v"}, req.Kwargs)
		return nil
	}))

	jobID := models.NewJobID()
	task := enqueueAndClaim(t, f, &services.Task{
		ID:         "t1",
		JobID:      jobID,
		Callable:   "pipeline.process_upload",
		Args:       []interface{}{"a"},
		Kwargs:     map[string]interface{}{"k": "v"},
		EnqueuedAt: models.NewTime(f.clock.Now()),
	})

	f.pool.executeTask("worker-1", task)

	assert.True(t, invoked)
	runs := f.runStore.all()
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusSuccess, runs[0].Status)
	require.NotNil(t, runs[0].ExitCode)
	assert.Equal(t, 0, *runs[0].ExitCode)
	assert.Equal(t, jobID, runs[0].JobID)

	// Acked: even after the lease expires nothing is re-delivered
	later := f.clock.Now().Add(f.pool.leaseDuration + time.Minute)
	_, err := f.queue.Promote(context.Background(), later)
	require.NoError(t, err)
	claimed, err := f.queue.Claim(context.Background(), "worker-2", later, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestWorkerRecordsCallableFailure(t *testing.T) {
	f := newWorkerFixture(t)
	require.NoError(t, f.registry.Register("pipeline.process_upload", func(ctx context.Context, req *services.CallableRequest) error {
		return errors.New("standardize failed: No table found in PDF pages")
	}))

	task := enqueueAndClaim(t, f, &services.Task{
		ID:         "t1",
		JobID:      models.NewJobID(),
		Callable:   "pipeline.process_upload",
		EnqueuedAt: models.NewTime(f.clock.Now()),
	})
	f.pool.executeTask("worker-1", task)

	runs := f.runStore.all()
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusFailed, runs[0].Status)
	require.NotNil(t, runs[0].ExitCode)
	assert.Equal(t, 1, *runs[0].ExitCode)
	assert.Contains(t, runs[0].Logs, "No table found in PDF pages")
}

func TestWorkerUnknownCallableFailsRunWithoutIncident(t *testing.T) {
	f := newWorkerFixture(t)

	task := enqueueAndClaim(t, f, &services.Task{
		ID:         "t1",
		JobID:      models.NewJobID(),
		Callable:   "nonexistent.callable",
		EnqueuedAt: models.NewTime(f.clock.Now()),
	})
	f.pool.executeTask("worker-1", task)

	runs := f.runStore.all()
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusFailed, runs[0].Status)
	require.NotNil(t, runs[0].ExitCode)
	assert.Equal(t, 2, *runs[0].ExitCode)
	assert.Contains(t, runs[0].Logs, "nonexistent.callable")

	// Still acked so the task is not re-delivered forever
	later := f.clock.Now().Add(f.pool.leaseDuration + time.Minute)
	_, err := f.queue.Promote(context.Background(), later)
	require.NoError(t, err)
	claimed, err := f.queue.Claim(context.Background(), "worker-2", later, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestWorkerRespectsCallableFinalization(t *testing.T) {
	f := newWorkerFixture(t)
	require.NoError(t, f.registry.Register("pipeline.process_upload", func(ctx context.Context, req *services.CallableRequest) error {
		// A retry has been scheduled elsewhere; the run must keep this status.
		req.Run.Status = models.RunStatusRetrying
		return errors.New("transform failed")
	}))

	task := enqueueAndClaim(t, f, &services.Task{
		ID:         "t1",
		JobID:      models.NewJobID(),
		Callable:   "pipeline.process_upload",
		EnqueuedAt: models.NewTime(f.clock.Now()),
	})
	f.pool.executeTask("worker-1", task)

	runs := f.runStore.all()
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusRetrying, runs[0].Status)
	assert.Nil(t, runs[0].ExitCode)
}

func TestWorkerPoolStartShutdown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := queue.NewRedisQueueService(client, logger.NoOpLogFactory)
	registry := NewRegistry(logger.NoOpLogFactory)
	runStore := newFakeRunStore()

	done := make(chan struct{})
	require.NoError(t, registry.Register("pipeline.process_upload", func(ctx context.Context, req *services.CallableRequest) error {
		close(done)
		return nil
	}))

	pool := NewWorkerPoolService(WorkerPoolConfig{PollInterval: 10 * time.Millisecond},
		q, registry, runStore, clock.New(), logger.NoOpLogFactory)

	require.NoError(t, q.Enqueue(context.Background(), &services.Task{
		ID:         "t1",
		JobID:      models.NewJobID(),
		Callable:   "pipeline.process_upload",
		EnqueuedAt: models.NewTime(time.Now()),
	}))

	pool.Start()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("callable was never invoked")
	}
	pool.Shutdown()

	runs := runStore.all()
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusSuccess, runs[0].Status)
}
