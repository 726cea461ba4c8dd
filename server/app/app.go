package app

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"

	"github.com/batchops/batchops/common/gerror"
	"github.com/batchops/batchops/common/logger"
	"github.com/batchops/batchops/common/models"
	"github.com/batchops/batchops/server/services"
	"github.com/batchops/batchops/server/services/incident"
	"github.com/batchops/batchops/server/services/ingest"
	"github.com/batchops/batchops/server/services/knownerror"
	"github.com/batchops/batchops/server/services/maintenance"
	"github.com/batchops/batchops/server/services/pipeline"
	"github.com/batchops/batchops/server/services/queue"
	"github.com/batchops/batchops/server/services/scheduler"
	"github.com/batchops/batchops/server/services/worker"
	"github.com/batchops/batchops/server/store"
	"github.com/batchops/batchops/server/store/department_records"
	"github.com/batchops/batchops/server/store/incidents"
	"github.com/batchops/batchops/server/store/job_runs"
	"github.com/batchops/batchops/server/store/jobs"
	"github.com/batchops/batchops/server/store/known_errors"
	"github.com/batchops/batchops/server/store/migrations"
	"github.com/batchops/batchops/server/store/uploads"
)

// Server is the fully wired engine: one scheduler loop, one worker pool and
// the services their callables are bound to.
type Server struct {
	DB               *store.DB
	PipelineService  services.PipelineService
	IncidentService  services.IncidentService
	IngestService    services.IngestService
	SchedulerService *scheduler.SchedulerService
	WorkerPool       *worker.WorkerPoolService

	logger.Log
}

// New wires the engine from config. The returned cleanup function closes the
// database and the Redis connection and must be called after Shutdown.
func New(ctx context.Context, config *ServerConfig) (*Server, func(), error) {
	logRegistry, err := logger.NewLogRegistry(config.LogLevels)
	if err != nil {
		return nil, nil, err
	}
	logFactory := logger.MakeLogrusLogFactoryStdOut(logRegistry)

	db, dbCleanup, err := store.NewDatabase(ctx, config.DatabaseConfig, migrations.NewBatchOpsMigrateRunner(logFactory))
	if err != nil {
		return nil, nil, err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.RedisConfig.Address,
		Password: config.RedisConfig.Password,
		DB:       config.RedisConfig.DB,
	})
	cleanup := func() {
		redisClient.Close()
		dbCleanup()
	}

	clk := clock.New()

	uploadStore := uploads.NewStore(db, logFactory)
	jobStore := jobs.NewStore(db, logFactory)
	runStore := job_runs.NewStore(db, logFactory)
	incidentStore := incidents.NewStore(db, logFactory)
	knownErrorStore := known_errors.NewStore(db, logFactory)
	recordStore := department_records.NewStore(db, logFactory)

	queueService := queue.NewRedisQueueService(redisClient, logFactory)
	scheduleRegistry := scheduler.NewRedisScheduleRegistry(redisClient, queueService, logFactory)
	knownErrorService := knownerror.NewKnownErrorService(knownErrorStore, clk, logFactory)
	enqueuer := pipeline.NewEnqueuer(queueService, jobStore, clk, logFactory)
	incidentService := incident.NewIncidentService(db, incidentStore, knownErrorService, enqueuer, clk, logFactory)
	pipelineService := pipeline.NewPipelineService(enqueuer, db, uploadStore, runStore, incidentService, clk, config.StorageRoot, logFactory)
	ingestService := ingest.NewIngestService(recordStore, uploadStore, enqueuer, clk, config.StorageRoot, logFactory)
	maintenanceService := maintenance.NewMaintenanceService(recordStore, uploadStore, incidentStore, clk, logFactory)

	callables := worker.NewRegistry(logFactory)
	for name, callable := range map[string]services.Callable{
		pipeline.CallableProcessUpload:  pipelineService.ProcessUploadCallable,
		"ingest.department":             ingestService.GenerateUploadCallable,
		"ingest.all_departments":        ingestService.GenerateUploadCallable,
		"maintenance.purge_old_records": maintenanceService.PurgeOldRecordsCallable,
		"maintenance.status_digest":     maintenanceService.StatusDigestCallable,
	} {
		err = callables.Register(name, callable)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
	}

	workerPool := worker.NewWorkerPoolService(config.WorkerPoolConfig, queueService, callables, runStore, clk, logFactory)
	schedulerService := scheduler.NewSchedulerService(queueService, scheduleRegistry, jobStore, clk, config.SchedulerTickInterval, logFactory)

	err = knownErrorService.EnsureDefaults(ctx)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	err = ensureDefaultJobs(ctx, jobStore, clk)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	server := &Server{
		DB:               db,
		PipelineService:  pipelineService,
		IncidentService:  incidentService,
		IngestService:    ingestService,
		SchedulerService: schedulerService,
		WorkerPool:       workerPool,
		Log:              logFactory("Server"),
	}
	return server, cleanup, nil
}

// Start brings up the scheduler loop and the worker pool.
func (s *Server) Start(ctx context.Context) error {
	err := s.SchedulerService.Start(ctx)
	if err != nil {
		return err
	}
	s.WorkerPool.Start()
	s.Infof("Engine started")
	return nil
}

// Shutdown stops the scheduler first so no new tasks are dispatched, then
// drains the worker pool.
func (s *Server) Shutdown() {
	s.SchedulerService.Shutdown()
	s.WorkerPool.Shutdown()
	s.Infof("Engine shut down")
}

// defaultJobs is the schedule the engine ships with. Operators can add more
// jobs or change these rows afterwards; the scheduler reconciles from the job
// table on every start.
func defaultJobs(now models.Time) []*models.Job {
	nightlyIngest := "0 2 * * *"
	weeklyPurge := "30 3 * * 0"
	dailyDigest := "0 8 * * *"
	return []*models.Job{
		models.NewJob(now, "ingest_all_departments", models.JobTypeIngest,
			models.JobConfig{Callable: "ingest.all_departments"}, &nightlyIngest),
		models.NewJob(now, "purge_old_records", models.JobTypeMaintenance,
			models.JobConfig{Callable: "maintenance.purge_old_records", Kwargs: map[string]interface{}{"days": 90}}, &weeklyPurge),
		models.NewJob(now, "system_status_digest", models.JobTypeMaintenance,
			models.JobConfig{Callable: "maintenance.status_digest"}, &dailyDigest),
	}
}

// ensureDefaultJobs idempotently seeds the default job rows by name.
func ensureDefaultJobs(ctx context.Context, jobStore store.JobStore, clk clock.Clock) error {
	now := models.NewTime(clk.Now())
	for _, job := range defaultJobs(now) {
		_, err := jobStore.ReadByName(ctx, nil, job.Name)
		if err == nil {
			continue
		}
		if !gerror.IsNotFound(err) {
			return err
		}
		err = jobStore.Create(ctx, nil, job)
		if err != nil && !gerror.IsAlreadyExists(err) {
			return err
		}
	}
	return nil
}
