package ingest

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
	"github.com/batchops/batchops/server/services/pipeline"
	"github.com/batchops/batchops/server/services/queue"
	"github.com/batchops/batchops/server/store"
	"github.com/batchops/batchops/server/store/department_records"
	"github.com/batchops/batchops/server/store/jobs"
	"github.com/batchops/batchops/server/store/store_test"
	"github.com/batchops/batchops/server/store/uploads"
)

type ingestFixture struct {
	service     *IngestService
	queue       *queue.RedisQueueService
	recordStore store.DepartmentRecordStore
	uploadStore store.UploadStore
	clock       *clock.Mock
	storageRoot string
}

func newIngestFixture(t *testing.T) *ingestFixture {
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

	recordStore := department_records.NewStore(db, logger.NoOpLogFactory)
	uploadStore := uploads.NewStore(db, logger.NoOpLogFactory)
	jobStore := jobs.NewStore(db, logger.NoOpLogFactory)
	queueService := queue.NewRedisQueueService(client, logger.NoOpLogFactory)
	enqueuer := pipeline.NewEnqueuer(queueService, jobStore, clk, logger.NoOpLogFactory)
	service := NewIngestService(recordStore, uploadStore, enqueuer, clk, storageRoot, logger.NoOpLogFactory)

	return &ingestFixture{
		service:     service,
		queue:       queueService,
		recordStore: recordStore,
		uploadStore: uploadStore,
		clock:       clk,
		storageRoot: storageRoot,
	}
}

func (f *ingestFixture) seedRecord(t *testing.T, source, studentID string, score float64) {
	t.Helper()
	record := models.NewDepartmentRecord(models.NewTime(f.clock.Now()), source)
	record.StudentID = studentID
	record.StudentName = "Student " + studentID
	record.Class = "A"
	record.Score = score
	record.AttendancePercent = 97.5
	record.Status = "active"
	require.NoError(t, f.recordStore.Create(context.Background(), nil, record))
}

func TestGenerateUploadForSource(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)
	f.seedRecord(t, "Examination", "S001", 91.5)
	f.seedRecord(t, "Examination", "S002", 78)
	f.seedRecord(t, "Library", "S003", 0)

	upload, err := f.service.GenerateUpload(ctx, "Examination")
	require.NoError(t, err)
	require.NotNil(t, upload)
	assert.Equal(t, models.UploadStatusPending, upload.Status)
	assert.Equal(t, models.ProcessModeTransform, upload.ProcessMode)
	assert.Equal(t, "Examination", upload.Department)
	assert.Contains(t, upload.Filename, "examination-ingest-20240310-1200")

	// Upload row persisted
	persisted, err := f.uploadStore.Read(ctx, nil, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, upload.Filename, persisted.Filename)

	// Snapshot written under the per-upload directory, Library rows excluded
	data, err := os.ReadFile(filepath.Join(f.storageRoot, uploadsDirName, upload.ID.UUID(), upload.Filename))
	require.NoError(t, err)
	content := string(data)
	assert.True(t, strings.HasPrefix(content, "student_id,student_name,class,score,attendance_percent,status,recorded_at"))
	assert.Contains(t, content, "S001")
	assert.Contains(t, content, "S002")
	assert.NotContains(t, content, "S003")

	// A pipeline task was enqueued for the upload
	task, err := f.queue.Claim(ctx, "worker-1", f.clock.Now(), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, pipeline.CallableProcessUpload, task.Callable)
	require.NotNil(t, task.UploadID)
	assert.Equal(t, upload.ID, *task.UploadID)
}

func TestGenerateUploadAllDepartments(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)
	f.seedRecord(t, "Examination", "S001", 91.5)
	f.seedRecord(t, "Library", "S003", 66)

	upload, err := f.service.GenerateUpload(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, upload)
	assert.Equal(t, "All Departments", upload.Department)

	data, err := os.ReadFile(filepath.Join(f.storageRoot, uploadsDirName, upload.ID.UUID(), upload.Filename))
	require.NoError(t, err)
	content := string(data)
	// Union of sources carries a department column
	assert.True(t, strings.HasPrefix(content, "department,student_id"))
	assert.Contains(t, content, "Examination,S001")
	assert.Contains(t, content, "Library,S003")
}

func TestGenerateUploadNoRecords(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)

	upload, err := f.service.GenerateUpload(ctx, "Empty")
	require.NoError(t, err)
	assert.Nil(t, upload)

	task, err := f.queue.Claim(ctx, "worker-1", f.clock.Now(), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, task)
}
