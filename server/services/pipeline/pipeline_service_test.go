package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchops/batchops/common/logger"
	"github.com/batchops/batchops/common/models"
	"github.com/batchops/batchops/server/services/incident"
	"github.com/batchops/batchops/server/services/knownerror"
	"github.com/batchops/batchops/server/services/queue"
	"github.com/batchops/batchops/server/store"
	"github.com/batchops/batchops/server/store/incidents"
	"github.com/batchops/batchops/server/store/job_runs"
	"github.com/batchops/batchops/server/store/jobs"
	"github.com/batchops/batchops/server/store/known_errors"
	"github.com/batchops/batchops/server/store/store_test"
	"github.com/batchops/batchops/server/store/uploads"
)

type pipelineFixture struct {
	db            *store.DB
	service       *PipelineService
	queue         *queue.RedisQueueService
	uploadStore   store.UploadStore
	runStore      store.JobRunStore
	incidentStore store.IncidentStore
	incidents     *incident.IncidentService
	knownErrors   *knownerror.KnownErrorService
	clock         *clock.Mock
	storageRoot   string
	pipelineJob   *models.Job
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	db, cleanup, err := store_test.Connect(logger.NoOpLogFactory)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	storageRoot := t.TempDir()

	uploadStore := uploads.NewStore(db, logger.NoOpLogFactory)
	jobStore := jobs.NewStore(db, logger.NoOpLogFactory)
	runStore := job_runs.NewStore(db, logger.NoOpLogFactory)
	incidentStore := incidents.NewStore(db, logger.NoOpLogFactory)
	knownErrorStore := known_errors.NewStore(db, logger.NoOpLogFactory)

	queueService := queue.NewRedisQueueService(client, logger.NoOpLogFactory)
	knownErrorService := knownerror.NewKnownErrorService(knownErrorStore, clk, logger.NoOpLogFactory)
	enqueuer := NewEnqueuer(queueService, jobStore, clk, logger.NoOpLogFactory)
	incidentService := incident.NewIncidentService(db, incidentStore, knownErrorService, enqueuer, clk, logger.NoOpLogFactory)
	service := NewPipelineService(enqueuer, db, uploadStore, runStore, incidentService, clk, storageRoot, logger.NoOpLogFactory)

	// Runs are owned by the pipeline job, which the job_runs table enforces
	// with a foreign key.
	pipelineJob, err := enqueuer.ensurePipelineJob(context.Background(), nil)
	require.NoError(t, err)

	return &pipelineFixture{
		db:            db,
		service:       service,
		queue:         queueService,
		uploadStore:   uploadStore,
		runStore:      runStore,
		incidentStore: incidentStore,
		incidents:     incidentService,
		knownErrors:   knownErrorService,
		clock:         clk,
		storageRoot:   storageRoot,
		pipelineJob:   pipelineJob,
	}
}

// createUpload writes the source file into the upload's directory under the
// storage root and persists the upload row.
func (f *pipelineFixture) createUpload(t *testing.T, filename, contents string, mode models.ProcessMode, config models.ProcessConfig) *models.Upload {
	t.Helper()
	upload := models.NewUpload(models.NewTime(f.clock.Now()), filename, "Examination", mode, config)
	dir := filepath.Join(f.storageRoot, uploadsDirName, upload.ID.UUID())
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte(contents), 0644))
	require.NoError(t, f.uploadStore.Create(context.Background(), nil, upload))
	return upload
}

func (f *pipelineFixture) newRun(upload *models.Upload) *models.JobRun {
	run := models.NewJobRun(models.NewTime(f.clock.Now()), f.pipelineJob.ID, &upload.ID)
	run.Start(models.NewTime(f.clock.Now()))
	return run
}

const gradebookCSV = "Student ID,Student Name,Score\nS001,Ada,91.5\nS002,Grace,78\nS003,Alan,85\n"

func TestPipelinePublishesTransformMode(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	upload := f.createUpload(t, "results.csv", gradebookCSV, models.ProcessModeTransform, nil)
	run := f.newRun(upload)
	require.NoError(t, f.runStore.Create(ctx, nil, run))

	require.NoError(t, f.service.ProcessUpload(ctx, upload.ID, run))

	published, err := f.uploadStore.Read(ctx, nil, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusPublished, published.Status)
	require.True(t, published.HasReports())
	require.NotNil(t, published.ReportGeneratedAt)
	require.NoError(t, published.Validate())

	// Summary CSV: field/value form with numeric stats for the score column
	csvText := *published.ReportCSV
	assert.Contains(t, csvText, "field,value")
	assert.Contains(t, csvText, "rows,3")
	assert.Contains(t, csvText, "score.mean,84.83333333333333")
	assert.Contains(t, csvText, "score.min,78")
	assert.Contains(t, csvText, "score.max,91.5")

	// All five steps recorded in order, all successful
	persisted, err := f.runStore.Read(ctx, nil, run.ID)
	require.NoError(t, err)
	require.Len(t, persisted.Steps, len(models.PipelineStages))
	for i, stage := range models.PipelineStages {
		assert.Equal(t, stage, persisted.Steps[i].Name)
		assert.Equal(t, models.StepStatusSuccess, persisted.Steps[i].Status)
	}
	assert.Equal(t, models.RunStatusSuccess, persisted.Status)

	// Artifacts on disk under exports/ with the upload ID in the name
	_, err = os.Stat(filepath.Join(f.storageRoot, exportsDirName, upload.ID.UUID()+"-summary.csv"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(f.storageRoot, exportsDirName, upload.ID.UUID()+"-report.pdf"))
	assert.NoError(t, err)
}

func TestPipelineValidationFailureOpensIncident(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	require.NoError(t, f.knownErrors.EnsureDefaults(ctx))

	upload := f.createUpload(t, "results.csv", "Student Name,Class\nAda,A\n", models.ProcessModeTransform, nil)
	run := f.newRun(upload)
	require.NoError(t, f.runStore.Create(ctx, nil, run))

	require.NoError(t, f.service.ProcessUpload(ctx, upload.ID, run))

	failed, err := f.uploadStore.Read(ctx, nil, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusFailed, failed.Status)
	assert.False(t, failed.HasReports())

	persisted, err := f.runStore.Read(ctx, nil, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, persisted.Status)
	require.NotNil(t, persisted.ExitCode)
	assert.Equal(t, 1, *persisted.ExitCode)
	require.Len(t, persisted.Steps, 2)
	assert.Equal(t, models.StepStatusSuccess, persisted.Steps[0].Status)
	assert.Equal(t, models.StepStatusFailed, persisted.Steps[1].Status)
	assert.Contains(t, persisted.Steps[1].Logs, "Required columns missing")

	// Incident opened for (upload, validate), classified by the seeded library
	opened, err := f.incidentStore.FindOpenForUploadStage(ctx, nil, upload.ID, models.StageValidate)
	require.NoError(t, err)
	assert.True(t, opened.IsKnown)
	assert.Equal(t, models.CategorySchema, opened.Category)
	assert.Equal(t, models.SeverityHigh, opened.Severity)
}

func TestPipelineAppendMode(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	config := models.ProcessConfig{
		"records": []interface{}{
			map[string]interface{}{"student_id": "S004", "score": float64(88), "remark": "late entry"},
		},
	}
	upload := f.createUpload(t, "results.csv", gradebookCSV, models.ProcessModeAppend, config)
	run := f.newRun(upload)
	require.NoError(t, f.runStore.Create(ctx, nil, run))

	require.NoError(t, f.service.ProcessUpload(ctx, upload.ID, run))

	published, err := f.uploadStore.Read(ctx, nil, upload.ID)
	require.NoError(t, err)
	require.True(t, published.HasReports())

	// Non-transform modes publish the processed dataset, not the summary
	csvText := *published.ReportCSV
	assert.Contains(t, csvText, "student_id,student_name,score,remark")
	assert.Contains(t, csvText, "S004,,88,late entry")
	assert.Equal(t, 5, strings.Count(strings.TrimSpace(csvText), "\n")+1) // header + 4 rows
}

func TestPipelineDeleteMode(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	config := models.ProcessConfig{"column": "student_id", "value": "S002"}
	upload := f.createUpload(t, "results.csv", gradebookCSV, models.ProcessModeDelete, config)
	run := f.newRun(upload)
	require.NoError(t, f.runStore.Create(ctx, nil, run))

	require.NoError(t, f.service.ProcessUpload(ctx, upload.ID, run))

	published, err := f.uploadStore.Read(ctx, nil, upload.ID)
	require.NoError(t, err)
	require.True(t, published.HasReports())
	assert.NotContains(t, *published.ReportCSV, "S002")
	assert.Contains(t, *published.ReportCSV, "S001")
	assert.Contains(t, *published.ReportCSV, "S003")
}

func TestPipelineDeleteModeUnknownColumn(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	config := models.ProcessConfig{"column": "no_such_column", "value": "x"}
	upload := f.createUpload(t, "results.csv", gradebookCSV, models.ProcessModeDelete, config)
	run := f.newRun(upload)
	require.NoError(t, f.runStore.Create(ctx, nil, run))

	require.NoError(t, f.service.ProcessUpload(ctx, upload.ID, run))

	failed, err := f.uploadStore.Read(ctx, nil, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusFailed, failed.Status)

	opened, err := f.incidentStore.FindOpenForUploadStage(ctx, nil, upload.ID, models.StageTransform)
	require.NoError(t, err)
	assert.Contains(t, opened.Error, "Unknown column")
}

func TestPipelineCustomModeRecordsNotes(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	config := models.ProcessConfig{"notes": "manual review requested"}
	upload := f.createUpload(t, "results.csv", gradebookCSV, models.ProcessModeCustom, config)
	run := f.newRun(upload)
	require.NoError(t, f.runStore.Create(ctx, nil, run))

	require.NoError(t, f.service.ProcessUpload(ctx, upload.ID, run))

	persisted, err := f.runStore.Read(ctx, nil, run.ID)
	require.NoError(t, err)
	require.Len(t, persisted.Steps, len(models.PipelineStages))
	assert.Contains(t, persisted.Steps[2].Logs, "manual review requested")
}

func TestPipelineUnsupportedFormat(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	require.NoError(t, f.knownErrors.EnsureDefaults(ctx))

	upload := f.createUpload(t, "notes.txt", "just some text", models.ProcessModeTransform, nil)
	run := f.newRun(upload)
	require.NoError(t, f.runStore.Create(ctx, nil, run))

	require.NoError(t, f.service.ProcessUpload(ctx, upload.ID, run))

	opened, err := f.incidentStore.FindOpenForUploadStage(ctx, nil, upload.ID, models.StageStandardize)
	require.NoError(t, err)
	assert.Contains(t, opened.Error, "Unsupported file type")
	assert.True(t, opened.IsKnown)
}

func TestPipelineIsIdempotentOnPublishedUpload(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	upload := f.createUpload(t, "results.csv", gradebookCSV, models.ProcessModeTransform, nil)
	run := f.newRun(upload)
	require.NoError(t, f.runStore.Create(ctx, nil, run))
	require.NoError(t, f.service.ProcessUpload(ctx, upload.ID, run))

	first, err := f.uploadStore.Read(ctx, nil, upload.ID)
	require.NoError(t, err)
	firstCSV := *first.ReportCSV

	// Re-delivery of the same task after publish is a no-op
	secondRun := f.newRun(upload)
	require.NoError(t, f.runStore.Create(ctx, nil, secondRun))
	require.NoError(t, f.service.ProcessUpload(ctx, upload.ID, secondRun))

	second, err := f.uploadStore.Read(ctx, nil, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, firstCSV, *second.ReportCSV)

	persisted, err := f.runStore.Read(ctx, nil, secondRun.ID)
	require.NoError(t, err)
	assert.Empty(t, persisted.Steps)
}

func TestPipelineResumesFromFirstUnfinishedStage(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	upload := f.createUpload(t, "results.csv", gradebookCSV, models.ProcessModeTransform, nil)

	// Simulate a prior run that succeeded through validate and then lost its
	// worker mid-transform: upload stuck in processing.
	prior := f.newRun(upload)
	idx := prior.AppendStep(models.StageStandardize, models.NewTime(f.clock.Now()))
	prior.FinishStep(idx, models.StepStatusSuccess, models.NewTime(f.clock.Now()), "")
	idx = prior.AppendStep(models.StageValidate, models.NewTime(f.clock.Now()))
	prior.FinishStep(idx, models.StepStatusSuccess, models.NewTime(f.clock.Now()), "")
	require.NoError(t, f.runStore.Create(ctx, nil, prior))

	upload.Status = models.UploadStatusProcessing
	require.NoError(t, f.uploadStore.Update(ctx, nil, upload))

	f.clock.Add(time.Minute)
	run := f.newRun(upload)
	require.NoError(t, f.runStore.Create(ctx, nil, run))
	require.NoError(t, f.service.ProcessUpload(ctx, upload.ID, run))

	persisted, err := f.runStore.Read(ctx, nil, run.ID)
	require.NoError(t, err)
	require.Len(t, persisted.Steps, len(models.PipelineStages))
	// Already-completed stages re-execute to rebuild state but are recorded skipped
	assert.Equal(t, models.StepStatusSkipped, persisted.Steps[0].Status)
	assert.Equal(t, models.StepStatusSkipped, persisted.Steps[1].Status)
	assert.Equal(t, models.StepStatusSuccess, persisted.Steps[2].Status)
	assert.Equal(t, models.StepStatusSuccess, persisted.Steps[4].Status)

	published, err := f.uploadStore.Read(ctx, nil, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusPublished, published.Status)
}

func TestAutoRetryEnqueuedWithinFailureTransaction(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	require.NoError(t, f.knownErrors.EnsureDefaults(ctx))
	upload := f.createUpload(t, "results.csv", gradebookCSV, models.ProcessModeTransform, nil)

	// Stage failures are recorded inside one transaction that holds the store
	// write lock; when the matched rule schedules a retry, the enqueuer must
	// read the pipeline job through that same transaction.
	err := f.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		_, err := f.incidents.RecordFailure(ctx, tx, upload.ID, models.NewJobRunID(),
			models.StageStandardize, "open results.csv: Resource temporarily unavailable")
		return err
	})
	require.NoError(t, err)

	// First automatic retry is delayed 30s; promotion past the backoff window
	// makes it claimable.
	later := f.clock.Now().Add(time.Minute)
	_, err = f.queue.Promote(ctx, later)
	require.NoError(t, err)
	task, err := f.queue.Claim(ctx, "worker-1", later, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, CallableProcessUpload, task.Callable)
	require.NotNil(t, task.UploadID)
	assert.Equal(t, upload.ID, *task.UploadID)
}

func TestEnqueuerCreatesPipelineJobOnce(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	uploadID := models.NewUploadID()

	require.NoError(t, f.service.EnqueuePipelineRun(ctx, nil, uploadID, 0))
	require.NoError(t, f.service.EnqueuePipelineRun(ctx, nil, uploadID, time.Minute))

	// Immediate task claimable now, delayed task only after promotion
	task, err := f.queue.Claim(ctx, "worker-1", f.clock.Now(), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, CallableProcessUpload, task.Callable)
	require.NotNil(t, task.UploadID)
	assert.Equal(t, uploadID, *task.UploadID)

	task, err = f.queue.Claim(ctx, "worker-1", f.clock.Now(), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, task)

	_, err = f.queue.Promote(ctx, f.clock.Now().Add(2*time.Minute))
	require.NoError(t, err)
	task, err = f.queue.Claim(ctx, "worker-1", f.clock.Now().Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
}
