package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/batchops/batchops/common/gerror"
	"github.com/batchops/batchops/common/logger"
	"github.com/batchops/batchops/common/models"
	"github.com/batchops/batchops/server/services"
	"github.com/batchops/batchops/server/store"
)

var (
	// DefaultStageTimeout is the soft limit for a single pipeline stage.
	DefaultStageTimeout = 10 * time.Minute

	// Transient errors inside a stage are retried before the stage fails.
	transientAttempts    = 3
	transientBackoffBase = time.Second
)

const uploadsDirName = "uploads"

// PipelineService drives uploads through the five-stage pipeline. Execution
// is idempotent on Upload.status, so re-delivery of a pipeline task after a
// worker crash converges to one effective run.
type PipelineService struct {
	*Enqueuer
	db          *store.DB
	uploadStore store.UploadStore
	runStore    store.JobRunStore
	incidents   services.IncidentService
	clock       clock.Clock

	storageRoot  string
	stageTimeout time.Duration

	logger.Log
}

func NewPipelineService(
	enqueuer *Enqueuer,
	db *store.DB,
	uploadStore store.UploadStore,
	runStore store.JobRunStore,
	incidents services.IncidentService,
	clk clock.Clock,
	storageRoot string,
	logFactory logger.LogFactory,
) *PipelineService {
	return &PipelineService{
		Enqueuer:     enqueuer,
		db:           db,
		uploadStore:  uploadStore,
		runStore:     runStore,
		incidents:    incidents,
		clock:        clk,
		storageRoot:  storageRoot,
		stageTimeout: DefaultStageTimeout,
		Log:          logFactory("PipelineService"),
	}
}

// ProcessUploadCallable adapts the pipeline to the callable registry. The
// upload to process travels on the task and is recorded on the run.
func (s *PipelineService) ProcessUploadCallable(ctx context.Context, req *services.CallableRequest) error {
	if req.Run.UploadID == nil {
		return gerror.NewErrValidationFailed("Pipeline task has no upload")
	}
	return s.ProcessUpload(ctx, *req.Run.UploadID, req.Run)
}

// stageState carries the intermediate products between stages of one run.
type stageState struct {
	upload  *models.Upload
	dataset *models.Dataset
	summary *models.Summary
}

// ProcessUpload drives the upload through the pipeline stages, recording
// per-step telemetry on the supplied run. An already published upload is a
// no-op; a processing upload resumes from the first stage that has not
// succeeded in the most recent prior run.
func (s *PipelineService) ProcessUpload(ctx context.Context, uploadID models.UploadID, run *models.JobRun) error {
	upload, err := s.uploadStore.Read(ctx, nil, uploadID)
	if err != nil {
		return err
	}

	if upload.Status == models.UploadStatusPublished && upload.HasReports() {
		run.Logs = appendLog(run.Logs, "Upload already published, nothing to do")
		s.Infof("Upload %s already published, skipping", uploadID)
		return nil
	}

	resumeFrom := 0
	if upload.Status == models.UploadStatusProcessing {
		resumeFrom, err = s.resumeStageIndex(ctx, uploadID, run.ID)
		if err != nil {
			return err
		}
		if resumeFrom > 0 {
			run.Logs = appendLog(run.Logs, fmt.Sprintf("Resuming from stage %s", models.PipelineStages[resumeFrom]))
		}
	}

	// Claim the upload under an advisory row lock so concurrent deliveries
	// degenerate to one effective execution.
	err = s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		err := s.uploadStore.LockRowForUpdate(ctx, tx, uploadID)
		if err != nil {
			return err
		}
		upload, err = s.uploadStore.Read(ctx, tx, uploadID)
		if err != nil {
			return err
		}
		upload.Status = models.UploadStatusProcessing
		upload.ClearReportArtifacts()
		upload.UpdatedAt = models.NewTime(s.clock.Now())
		return s.uploadStore.Update(ctx, tx, upload)
	})
	if err != nil {
		return err
	}

	state := &stageState{upload: upload}
	for i, stage := range models.PipelineStages {
		rerunOnly := i < resumeFrom
		err = s.runStage(ctx, run, state, stage, rerunOnly)
		if err != nil {
			return s.recordStageFailure(ctx, run, state, stage, err)
		}
	}

	now := models.NewTime(s.clock.Now())
	run.Finalize(models.RunStatusSuccess, 0, now)
	err = s.runStore.Update(ctx, nil, run)
	if err != nil {
		return err
	}
	err = s.incidents.AutoResolveForUpload(ctx, uploadID)
	if err != nil {
		// The run already succeeded; auto-resolution can be replayed manually
		s.Errorf("Failed to auto-resolve incidents for upload %s: %v", uploadID, err)
	}
	s.Infof("Pipeline completed for upload %s", uploadID)
	return nil
}

// resumeStageIndex returns the index of the first stage that did not succeed
// in the most recent prior run for the upload, or 0 if there is none.
func (s *PipelineService) resumeStageIndex(ctx context.Context, uploadID models.UploadID, currentRunID models.JobRunID) (int, error) {
	runs, err := s.runStore.ListByUpload(ctx, nil, uploadID)
	if err != nil {
		return 0, err
	}
	for _, prior := range runs {
		if prior.ID == currentRunID || len(prior.Steps) == 0 {
			continue
		}
		for i, stage := range models.PipelineStages {
			if !s.stageSucceededIn(prior, stage) {
				return i, nil
			}
		}
		return 0, nil // prior run fully succeeded; re-run everything
	}
	return 0, nil
}

func (s *PipelineService) stageSucceededIn(run *models.JobRun, stage models.StageName) bool {
	for _, step := range run.Steps {
		if step.Name == stage && (step.Status == models.StepStatusSuccess || step.Status == models.StepStatusSkipped) {
			return true
		}
	}
	return false
}

// runStage executes one stage under the soft timeout, recording a step on the
// run. When rerunOnly is set the stage is re-executed to rebuild in-memory
// state but recorded as skipped, since its durable work already succeeded.
func (s *PipelineService) runStage(ctx context.Context, run *models.JobRun, state *stageState, stage models.StageName, rerunOnly bool) error {
	now := models.NewTime(s.clock.Now())
	stepIndex := run.AppendStep(stage, now)
	err := s.runStore.Update(ctx, nil, run)
	if err != nil {
		return err
	}

	stageLog, err := s.executeStageWithRetry(ctx, state, stage)

	finished := models.NewTime(s.clock.Now())
	if err != nil {
		run.FinishStep(stepIndex, models.StepStatusFailed, finished, err.Error())
		return err
	}
	status := models.StepStatusSuccess
	if rerunOnly {
		status = models.StepStatusSkipped
		stageLog = appendLog(stageLog, "(rebuilt from previous successful run)")
	}
	run.FinishStep(stepIndex, status, finished, stageLog)
	run.Logs = appendLog(run.Logs, fmt.Sprintf("[%s] %s", stage, stageLog))
	return s.runStore.Update(ctx, nil, run)
}

// executeStageWithRetry applies the stage timeout and retries transient
// failures in-stage with exponential backoff.
func (s *PipelineService) executeStageWithRetry(ctx context.Context, state *stageState, stage models.StageName) (string, error) {
	var stageLog string
	var err error
	backoff := transientBackoffBase
	for attempt := 1; attempt <= transientAttempts; attempt++ {
		stageLog, err = s.executeStageWithTimeout(ctx, state, stage)
		if err == nil || !gerror.IsTransient(err) {
			return stageLog, err
		}
		if attempt < transientAttempts {
			s.Warnf("Transient error in stage %s (attempt %d), retrying in %s: %v", stage, attempt, backoff, err)
			select {
			case <-ctx.Done():
				return "", gerror.NewErrTimeout("Stage cancelled: " + stage.String())
			case <-s.clock.After(backoff):
			}
			backoff *= 2
		}
	}
	return stageLog, err
}

func (s *PipelineService) executeStageWithTimeout(ctx context.Context, state *stageState, stage models.StageName) (string, error) {
	stageCtx, cancel := context.WithTimeout(ctx, s.stageTimeout)
	defer cancel()

	type result struct {
		log string
		err error
	}
	done := make(chan result, 1)
	go func() {
		log, err := s.executeStage(stageCtx, state, stage)
		done <- result{log: log, err: err}
	}()

	select {
	case res := <-done:
		return res.log, res.err
	case <-stageCtx.Done():
		return "", gerror.NewErrStageTimeout(stage.String())
	}
}

func (s *PipelineService) executeStage(ctx context.Context, state *stageState, stage models.StageName) (string, error) {
	switch stage {
	case models.StageStandardize:
		dataset, err := loadDataset(s.sourceFilePath(state.upload))
		if err != nil {
			return "", err
		}
		state.dataset = dataset
		return fmt.Sprintf("Loaded %d rows, %d cols", dataset.RowCount(), dataset.ColumnCount()), nil

	case models.StageValidate:
		err := validateDataset(state.dataset, state.upload.Department)
		if err != nil {
			return "", err
		}
		return "Validation passed", nil

	case models.StageTransform:
		return applyProcessMode(state.dataset, state.upload.ProcessMode, state.upload.ProcessConfig)

	case models.StageSummarize:
		state.summary = buildSummary(state.dataset)
		return fmt.Sprintf("Summary built. Numeric cols: %d", len(state.summary.NumericStats)), nil

	case models.StagePublish:
		return s.publish(ctx, state)
	}
	return "", gerror.NewErrInternal(fmt.Sprintf("Unknown pipeline stage %q", stage), nil)
}

// publish renders the artifacts, writes them to the exports directory and
// flips the upload to published in one database write.
func (s *PipelineService) publish(ctx context.Context, state *stageState) (string, error) {
	var reportCSV string
	var err error
	if state.upload.ProcessMode == models.ProcessModeTransform {
		reportCSV, err = renderSummaryCSV(state.upload, state.dataset, state.summary)
	} else {
		reportCSV, err = renderDatasetCSV(state.dataset)
	}
	if err != nil {
		return "", err
	}
	reportPDF, err := renderReportPDF(state.upload, state.dataset, state.summary)
	if err != nil {
		return "", err
	}
	err = writeExports(s.storageRoot, state.upload.ID, reportCSV, reportPDF)
	if err != nil {
		return "", err
	}

	now := models.NewTime(s.clock.Now())
	state.upload.SetPublished(now, reportCSV, reportPDF)
	err = s.uploadStore.Update(ctx, nil, state.upload)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Published export for upload %s", state.upload.ID), nil
}

// recordStageFailure finalises the run, fails the upload and records the
// incident. The run finalise and incident write share one transaction.
func (s *PipelineService) recordStageFailure(ctx context.Context, run *models.JobRun, state *stageState, stage models.StageName, stageErr error) error {
	now := models.NewTime(s.clock.Now())
	message := fmt.Sprintf("%s failed: %v", stage, stageErr)
	run.Logs = appendLog(run.Logs, message)
	run.Finalize(models.RunStatusFailed, 1, now)

	err := s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		err := s.runStore.Update(ctx, tx, run)
		if err != nil {
			return err
		}
		state.upload.Status = models.UploadStatusFailed
		state.upload.ClearReportArtifacts()
		state.upload.UpdatedAt = now
		err = s.uploadStore.Update(ctx, tx, state.upload)
		if err != nil {
			return err
		}
		_, err = s.incidents.RecordFailure(ctx, tx, state.upload.ID, run.ID, stage, message)
		return err
	})
	if err != nil {
		return err
	}
	s.Warnf("Pipeline failed for upload %s: %s", state.upload.ID, message)
	// The failure is fully recorded; the task must still be acked, so the
	// callable reports success to the worker.
	return nil
}

// sourceFilePath locates the upload's source file in its per-upload directory
// under the storage root.
func (s *PipelineService) sourceFilePath(upload *models.Upload) string {
	return filepath.Join(s.storageRoot, uploadsDirName, upload.ID.UUID(), upload.Filename)
}

func appendLog(existing, line string) string {
	if existing == "" {
		return line
	}
	return existing + "\n" + line
}
