package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/batchops/batchops/common/logger"
	"github.com/batchops/batchops/common/models"
	"github.com/batchops/batchops/server/services"
	"github.com/batchops/batchops/server/store"
)

var (
	// DefaultWorkerCount is the fixed number of concurrent workers in the pool.
	DefaultWorkerCount = 4

	// DefaultLeaseDuration bounds how long a claimed task stays invisible to
	// other workers before it is re-delivered.
	DefaultLeaseDuration = 600 * time.Second

	// DefaultPollInterval is how long a worker sleeps after finding the queue empty.
	DefaultPollInterval = 2 * time.Second
)

// Exit codes recorded on the job run.
const (
	exitCodeSuccess            = 0
	exitCodeFailed             = 1
	exitCodeCallableUnresolved = 2
)

// WorkerPoolService runs a fixed pool of workers that claim tasks from the
// queue, execute the bound callable and record a job run for every execution.
type WorkerPoolService struct {
	queue     services.QueueService
	callables services.CallableRegistry
	runStore  store.JobRunStore
	clock     clock.Clock

	workerCount   int
	leaseDuration time.Duration
	pollInterval  time.Duration

	started, shutdown bool
	startStopMutex    sync.Mutex

	// Channel closed when the workers should shut down
	requestShutdownChan chan bool
	// WaitGroup used by worker goroutines to report that they have shut down
	shutdownWaitGroup sync.WaitGroup

	logger.Log
}

// WorkerPoolConfig tunes the pool; zero values fall back to the defaults.
type WorkerPoolConfig struct {
	WorkerCount   int
	LeaseDuration time.Duration
	PollInterval  time.Duration
}

func NewWorkerPoolService(
	config WorkerPoolConfig,
	queue services.QueueService,
	callables services.CallableRegistry,
	runStore store.JobRunStore,
	clk clock.Clock,
	logFactory logger.LogFactory,
) *WorkerPoolService {
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultWorkerCount
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = DefaultLeaseDuration
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	return &WorkerPoolService{
		queue:               queue,
		callables:           callables,
		runStore:            runStore,
		clock:               clk,
		workerCount:         config.WorkerCount,
		leaseDuration:       config.LeaseDuration,
		pollInterval:        config.PollInterval,
		requestShutdownChan: make(chan bool),
		Log:                 logFactory("WorkerPoolService"),
	}
}

// Start starts the worker goroutines.
func (s *WorkerPoolService) Start() {
	s.startStopMutex.Lock()
	defer s.startStopMutex.Unlock()

	if s.shutdown {
		panic("Can not start WorkerPoolService again once it has been shut down")
	}
	if s.started {
		s.Warn("WorkerPoolService.Start() called but already started")
		return
	}

	s.Infof("Starting %d workers (lease %s, poll %s)", s.workerCount, s.leaseDuration, s.pollInterval)
	for i := 0; i < s.workerCount; i++ {
		workerID := fmt.Sprintf("worker-%d", i+1)
		s.shutdownWaitGroup.Add(1)
		go s.workerLoop(workerID)
	}
	s.started = true
}

// Shutdown stops all workers and waits for in-flight tasks to finish.
func (s *WorkerPoolService) Shutdown() {
	s.startStopMutex.Lock()
	defer s.startStopMutex.Unlock()

	if !s.started || s.shutdown {
		return
	}

	close(s.requestShutdownChan)
	s.shutdownWaitGroup.Wait()
	s.Infof("All workers shut down")
	s.shutdown = true
}

// workerLoop claims and executes tasks until shutdown is requested. An empty
// queue is not an error; the worker sleeps for the poll interval and tries again.
func (s *WorkerPoolService) workerLoop(workerID string) {
	defer s.shutdownWaitGroup.Done()

	for {
		select {
		case <-s.requestShutdownChan:
			return
		default:
		}

		task, err := s.queue.Claim(context.Background(), workerID, s.clock.Now(), s.leaseDuration)
		if err != nil {
			s.Errorf("%s: error claiming task: %v", workerID, err)
			task = nil
		}
		if task == nil {
			select {
			case <-s.requestShutdownChan:
				return
			case <-s.clock.After(s.pollInterval):
			}
			continue
		}

		s.executeTask(workerID, task)
	}
}

// executeTask records a job run for the task, invokes the bound callable and
// acks the task. Failures are recorded on the run; the ack still happens so
// the task is not re-delivered (retries are scheduled explicitly, never by
// leaving a task unacked).
func (s *WorkerPoolService) executeTask(workerID string, task *services.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), s.leaseDuration)
	defer cancel()

	now := models.NewTime(s.clock.Now())
	run := models.NewJobRun(now, task.JobID, task.UploadID)
	run.Start(now)
	err := s.runStore.Create(ctx, nil, run)
	if err != nil {
		s.Errorf("%s: error creating run for task %s: %v", workerID, task.ID, err)
		return // leave the task leased; it will be re-delivered after expiry
	}

	callable := s.callables.Resolve(task.Callable)
	if callable == nil {
		// A task referencing an unregistered callable is a configuration
		// problem, not a data problem, so no incident is opened for it.
		s.Errorf("%s: no callable registered for %q (task %s)", workerID, task.Callable, task.ID)
		run.Logs = fmt.Sprintf("no callable registered for %q", task.Callable)
		run.Finalize(models.RunStatusFailed, exitCodeCallableUnresolved, models.NewTime(s.clock.Now()))
		s.finishTask(ctx, workerID, task, run)
		return
	}

	s.Infof("%s: executing %s (task %s)", workerID, task.Callable, task.ID)
	callableErr := callable(ctx, &services.CallableRequest{
		Run:    run,
		Args:   task.Args,
		Kwargs: task.Kwargs,
	})

	// Callables that manage their own lifecycle (e.g. failure plus a scheduled
	// retry) finalize the run themselves; only finalize here if they did not.
	if !run.Status.HasFinished() && run.Status != models.RunStatusRetrying {
		if callableErr != nil {
			if run.Logs != "" {
				run.Logs += "\n"
			}
			run.Logs += callableErr.Error()
			run.Finalize(models.RunStatusFailed, exitCodeFailed, models.NewTime(s.clock.Now()))
		} else {
			run.Finalize(models.RunStatusSuccess, exitCodeSuccess, models.NewTime(s.clock.Now()))
		}
	}
	if callableErr != nil {
		s.Warnf("%s: callable %s failed (task %s): %v", workerID, task.Callable, task.ID, callableErr)
	}
	s.finishTask(ctx, workerID, task, run)
}

// finishTask persists the final run state and acks the task.
func (s *WorkerPoolService) finishTask(ctx context.Context, workerID string, task *services.Task, run *models.JobRun) {
	err := s.runStore.Update(ctx, nil, run)
	if err != nil {
		s.Errorf("%s: error updating run %s: %v", workerID, run.ID, err)
	}
	err = s.queue.Ack(ctx, workerID, task.ID)
	if err != nil {
		s.Errorf("%s: error acking task %s: %v", workerID, task.ID, err)
	}
}
