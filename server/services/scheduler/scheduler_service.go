package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/batchops/batchops/common/gerror"
	"github.com/batchops/batchops/common/logger"
	"github.com/batchops/batchops/common/models"
	"github.com/batchops/batchops/server/services"
	"github.com/batchops/batchops/server/store"
)

var (
	// DefaultTickInterval determines how often the scheduler loop promotes
	// delayed tasks and evaluates due cron fires.
	DefaultTickInterval = 10 * time.Second

	// transientBackoffBase and transientBackoffMax bound the extra delay
	// applied after consecutive transient store errors.
	transientBackoffBase = 5 * time.Second
	transientBackoffMax  = 2 * time.Minute
)

// SchedulerService runs the single scheduler loop for the process. On each
// tick it promotes delayed queue entries, enumerates due cron fires and
// dispatches each fire exactly once. Deployments run exactly one scheduler.
type SchedulerService struct {
	queue        services.QueueService
	registry     services.ScheduleRegistry
	jobStore     store.JobStore
	clock        clock.Clock
	tickInterval time.Duration

	started, shutdown bool
	startStopMutex    sync.Mutex

	// Channel closed when the scheduler loop should shut down
	requestShutdownChan chan bool
	// Channel used by the loop goroutine to report that it has shut down
	shutdownCompleteChan chan bool

	logger.Log
}

func NewSchedulerService(
	queue services.QueueService,
	registry services.ScheduleRegistry,
	jobStore store.JobStore,
	clk clock.Clock,
	tickInterval time.Duration,
	logFactory logger.LogFactory,
) *SchedulerService {
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	return &SchedulerService{
		queue:                queue,
		registry:             registry,
		jobStore:             jobStore,
		clock:                clk,
		tickInterval:         tickInterval,
		requestShutdownChan:  make(chan bool),
		shutdownCompleteChan: make(chan bool),
		Log:                  logFactory("SchedulerService"),
	}
}

// Start reconciles the schedule registry against the job table and starts the
// scheduler loop goroutine.
func (s *SchedulerService) Start(ctx context.Context) error {
	s.startStopMutex.Lock()
	defer s.startStopMutex.Unlock()

	if s.shutdown {
		panic("Can not start SchedulerService again once it has been shut down")
	}
	if s.started {
		s.Warn("SchedulerService.Start() called but already started")
		return nil
	}

	jobs, err := s.jobStore.ListAll(ctx, nil)
	if err != nil {
		return err
	}
	err = s.registry.Reconcile(ctx, jobs, s.clock.Now())
	if err != nil {
		return err
	}

	s.Infof("Starting scheduler loop (tick interval %s)", s.tickInterval)
	go s.schedulerLoop()
	s.started = true
	return nil
}

// Shutdown stops the scheduler loop and waits for it to finish.
func (s *SchedulerService) Shutdown() {
	s.startStopMutex.Lock()
	defer s.startStopMutex.Unlock()

	if !s.started || s.shutdown {
		return
	}

	close(s.requestShutdownChan)
	<-s.shutdownCompleteChan
	s.Infof("Scheduler loop shut down")
	s.shutdown = true
}

// schedulerLoop ticks at the configured interval until shutdown is requested.
// Transient store errors back off exponentially without stopping the loop.
func (s *SchedulerService) schedulerLoop() {
	ticker := s.clock.Ticker(s.tickInterval)
	defer ticker.Stop()

	backoff := time.Duration(0)
	for {
		select {
		case <-s.requestShutdownChan:
			s.shutdownCompleteChan <- true
			return
		case <-ticker.C:
		}

		if backoff > 0 {
			select {
			case <-s.requestShutdownChan:
				s.shutdownCompleteChan <- true
				return
			case <-s.clock.After(backoff):
			}
		}

		err := s.Tick(context.Background())
		if err != nil {
			if gerror.IsTransient(err) {
				backoff = nextBackoff(backoff)
				s.Warnf("Transient scheduler error, backing off %s: %v", backoff, err)
			} else {
				s.Errorf("Scheduler tick failed: %v", err)
			}
			continue
		}
		backoff = 0
	}
}

// Tick performs one scheduler pass: promote delayed tasks, enumerate due
// fires and dispatch each at most once.
func (s *SchedulerService) Tick(ctx context.Context) error {
	now := s.clock.Now()

	_, err := s.queue.Promote(ctx, now)
	if err != nil {
		return err
	}

	fires, err := s.registry.Due(ctx, now)
	if err != nil {
		return err
	}

	for _, fire := range fires {
		err = s.dispatchFire(ctx, fire)
		if err != nil {
			return err
		}
	}
	return nil
}

// dispatchFire enqueues the task for one due fire and advances the stored
// next fire time. If the dispatch marker already exists the enqueue is
// skipped but the fire time is still advanced, making a crash between the
// two steps safe.
func (s *SchedulerService) dispatchFire(ctx context.Context, fire services.ScheduledFire) error {
	job, err := s.jobStore.Read(ctx, nil, fire.JobID)
	if err != nil {
		if gerror.IsNotFound(err) {
			// Job deleted since the schedule was stored; drop the registration
			s.Warnf("Job %s no longer exists, unregistering schedule", fire.JobID)
			return s.registry.Unregister(ctx, fire.JobID)
		}
		return err
	}

	task := services.Task{
		ID:         fire.JobID.String() + "@" + fire.FireTime.UTC().Format(time.RFC3339),
		JobID:      job.ID,
		Callable:   job.Config.Callable,
		Args:       job.Config.Args,
		Kwargs:     job.Config.Kwargs,
		EnqueuedAt: models.NewTime(s.clock.Now()),
	}
	_, err = s.registry.DispatchOnce(ctx, fire, &task)
	if err != nil {
		return err
	}
	return s.registry.AdvanceNextFire(ctx, fire.JobID, fire.FireTime)
}

func nextBackoff(current time.Duration) time.Duration {
	if current == 0 {
		return transientBackoffBase
	}
	next := current * 2
	if next > transientBackoffMax {
		return transientBackoffMax
	}
	return next
}
