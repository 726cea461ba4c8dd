package pipeline

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/batchops/batchops/common/gerror"
	"github.com/batchops/batchops/common/logger"
	"github.com/batchops/batchops/common/models"
	"github.com/batchops/batchops/server/services"
	"github.com/batchops/batchops/server/store"
)

const (
	// PipelineJobName is the name of the job that owns every pipeline run.
	PipelineJobName = "process_upload"
	// CallableProcessUpload is the registry name of the pipeline entry point.
	CallableProcessUpload = "pipeline.process_upload"
)

// Enqueuer schedules pipeline executions. It is shared between the pipeline
// service itself and the incident writer, which schedules retries.
type Enqueuer struct {
	queue    services.QueueService
	jobStore store.JobStore
	clock    clock.Clock
	logger.Log
}

func NewEnqueuer(queue services.QueueService, jobStore store.JobStore, clk clock.Clock, logFactory logger.LogFactory) *Enqueuer {
	return &Enqueuer{
		queue:    queue,
		jobStore: jobStore,
		clock:    clk,
		Log:      logFactory("PipelineEnqueuer"),
	}
}

// EnqueuePipelineRun enqueues a pipeline execution for the upload, delayed by
// the supplied duration. A zero or negative delay enqueues immediately. Job
// reads go through txOrNil when a transaction is supplied, so callers already
// inside one (the incident writer scheduling a retry) do not re-enter the
// store lock. The queue append itself is not transactional; a task for a
// rolled-back write is harmless because pipeline runs are idempotent on
// upload state.
func (s *Enqueuer) EnqueuePipelineRun(ctx context.Context, txOrNil *store.Tx, uploadID models.UploadID, delay time.Duration) error {
	job, err := s.ensurePipelineJob(ctx, txOrNil)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	task := &services.Task{
		ID:         uuid.New().String(),
		JobID:      job.ID,
		Callable:   CallableProcessUpload,
		UploadID:   &uploadID,
		EnqueuedAt: models.NewTime(now),
	}
	if delay <= 0 {
		err = s.queue.Enqueue(ctx, task)
	} else {
		err = s.queue.EnqueueAt(ctx, task, now.Add(delay))
	}
	if err != nil {
		return err
	}
	s.Infof("Enqueued pipeline run for upload %s (delay %s)", uploadID, delay)
	return nil
}

// ensurePipelineJob returns the job that owns pipeline runs, creating it on
// first use. The job has no schedule; pipeline runs are always enqueued explicitly.
func (s *Enqueuer) ensurePipelineJob(ctx context.Context, txOrNil *store.Tx) (*models.Job, error) {
	job, err := s.jobStore.ReadByName(ctx, txOrNil, PipelineJobName)
	if err == nil {
		return job, nil
	}
	if !gerror.IsNotFound(err) {
		return nil, err
	}
	job = models.NewJob(models.NewTime(s.clock.Now()), PipelineJobName, models.JobTypePipeline,
		models.JobConfig{Callable: CallableProcessUpload}, nil)
	err = s.jobStore.Create(ctx, txOrNil, job)
	if err != nil {
		if gerror.IsAlreadyExists(err) {
			return s.jobStore.ReadByName(ctx, txOrNil, PipelineJobName)
		}
		return nil, err
	}
	return job, nil
}
