package ingest

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/batchops/batchops/common/gerror"
	"github.com/batchops/batchops/common/logger"
	"github.com/batchops/batchops/common/models"
	"github.com/batchops/batchops/server/services"
	"github.com/batchops/batchops/server/store"
)

const (
	// recordLimit bounds how many of the newest records one ingest snapshots.
	recordLimit = 250

	allDepartmentsName = "All Departments"
	uploadsDirName     = "uploads"
)

// pipelineEnqueuer schedules a pipeline execution for an upload.
type pipelineEnqueuer interface {
	EnqueuePipelineRun(ctx context.Context, txOrNil *store.Tx, uploadID models.UploadID, delay time.Duration) error
}

// IngestService snapshots department feed records into fresh uploads and
// hands them to the pipeline.
type IngestService struct {
	recordStore store.DepartmentRecordStore
	uploadStore store.UploadStore
	pipeline    pipelineEnqueuer
	clock       clock.Clock
	storageRoot string
	logger.Log
}

func NewIngestService(
	recordStore store.DepartmentRecordStore,
	uploadStore store.UploadStore,
	pipeline pipelineEnqueuer,
	clk clock.Clock,
	storageRoot string,
	logFactory logger.LogFactory,
) *IngestService {
	return &IngestService{
		recordStore: recordStore,
		uploadStore: uploadStore,
		pipeline:    pipeline,
		clock:       clk,
		storageRoot: storageRoot,
		Log:         logFactory("IngestService"),
	}
}

// GenerateUpload snapshots the newest department records for the source
// (empty means all sources) into a fresh CSV upload and enqueues a pipeline
// execution for it. Returns as soon as the enqueue succeeds; the pipeline
// runs asynchronously. Returns nil when the source has no records.
func (s *IngestService) GenerateUpload(ctx context.Context, source string) (*models.Upload, error) {
	records, err := s.recordStore.ListBySource(ctx, nil, source, recordLimit)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		s.Infof("No records available for source %q, skipping ingest", source)
		return nil, nil
	}

	now := models.NewTime(s.clock.Now())
	department := source
	if source == "" {
		department = allDepartmentsName
	}
	filename := fmt.Sprintf("%s-ingest-%s.csv", slugify(department), s.clock.Now().UTC().Format("20060102-1504"))

	upload := models.NewUpload(now, filename, department, models.ProcessModeTransform,
		models.ProcessConfig{"source": source})

	err = s.writeSnapshot(upload, records, source == "")
	if err != nil {
		return nil, err
	}

	err = s.uploadStore.Create(ctx, nil, upload)
	if err != nil {
		return nil, err
	}

	err = s.pipeline.EnqueuePipelineRun(ctx, nil, upload.ID, 0)
	if err != nil {
		return nil, err
	}
	s.Infof("Ingested %d records from %q into upload %s", len(records), department, upload.ID)
	return upload, nil
}

// writeSnapshot writes the records as CSV into the upload's directory under
// the storage root. The all-departments variant carries an extra department
// column so rows stay attributable after the union.
func (s *IngestService) writeSnapshot(upload *models.Upload, records []*models.DepartmentRecord, allDepartments bool) error {
	dir := filepath.Join(s.storageRoot, uploadsDirName, upload.ID.UUID())
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return gerror.NewErrTransient("Failed to create upload directory", err)
	}
	file, err := os.Create(filepath.Join(dir, upload.Filename))
	if err != nil {
		return gerror.NewErrTransient("Failed to create upload file", err)
	}
	defer file.Close()

	columns := []string{"student_id", "student_name", "class", "score", "attendance_percent", "status", "recorded_at"}
	if allDepartments {
		columns = append([]string{"department"}, columns...)
	}

	writer := csv.NewWriter(file)
	err = writer.Write(columns)
	if err != nil {
		return gerror.NewErrTransient("Failed to write upload file", err)
	}
	for _, record := range records {
		row := []string{
			record.StudentID,
			record.StudentName,
			record.Class,
			strconv.FormatFloat(record.Score, 'f', -1, 64),
			strconv.FormatFloat(record.AttendancePercent, 'f', -1, 64),
			record.Status,
			record.RecordedAt.UTC().Format(time.RFC3339),
		}
		if allDepartments {
			row = append([]string{record.Source}, row...)
		}
		err = writer.Write(row)
		if err != nil {
			return gerror.NewErrTransient("Failed to write upload file", err)
		}
	}
	writer.Flush()
	if writer.Error() != nil {
		return gerror.NewErrTransient("Failed to write upload file", writer.Error())
	}
	return nil
}

// GenerateUploadCallable adapts the generator to the callable registry.
// The source is selected with kwargs {"source": "..."}; absent means all sources.
func (s *IngestService) GenerateUploadCallable(ctx context.Context, req *services.CallableRequest) error {
	source, _ := req.Kwargs["source"].(string)
	upload, err := s.GenerateUpload(ctx, source)
	if err != nil {
		return err
	}
	if upload == nil {
		req.Run.Logs = fmt.Sprintf("No records available for source %q", source)
		return nil
	}
	req.Run.Logs = fmt.Sprintf("Created upload %s (%s) and enqueued pipeline run", upload.ID, upload.Filename)
	return nil
}

func slugify(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "-")
}
