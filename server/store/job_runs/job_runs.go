package job_runs

import (
	"context"

	"github.com/doug-martin/goqu/v9"

	"github.com/batchops/batchops/common/logger"
	"github.com/batchops/batchops/common/models"
	"github.com/batchops/batchops/server/store"
)

func init() {
	store.MustDBModel(&models.JobRun{})
}

type JobRunStore struct {
	db    *store.DB
	table *store.ResourceTable
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *JobRunStore {
	return &JobRunStore{
		db:    db,
		table: store.NewResourceTable(db, logFactory, &models.JobRun{}),
	}
}

// Create a new job run.
func (d *JobRunStore) Create(ctx context.Context, txOrNil *store.Tx, run *models.JobRun) error {
	return d.table.Create(ctx, txOrNil, run)
}

// Read an existing job run, looking it up by ResourceID.
// Returns gerror.ErrNotFound if the job run does not exist.
func (d *JobRunStore) Read(ctx context.Context, txOrNil *store.Tx, id models.JobRunID) (*models.JobRun, error) {
	run := &models.JobRun{}
	return run, d.table.ReadByID(ctx, txOrNil, id.ResourceID, run)
}

// Update an existing job run. Overrides all previous values using the supplied model.
func (d *JobRunStore) Update(ctx context.Context, txOrNil *store.Tx, run *models.JobRun) error {
	return d.table.UpdateByID(ctx, txOrNil, run)
}

// ListByUpload lists job runs for the specified upload, newest first.
func (d *JobRunStore) ListByUpload(ctx context.Context, txOrNil *store.Tx, uploadID models.UploadID) ([]*models.JobRun, error) {
	var results []*models.JobRun
	err := d.table.ListWhere(ctx, txOrNil, &results, goqu.Ex{"job_run_upload_id": uploadID.ResourceID})
	return results, err
}

// ListByJob lists job runs for the specified job, newest first.
func (d *JobRunStore) ListByJob(ctx context.Context, txOrNil *store.Tx, jobID models.JobID) ([]*models.JobRun, error) {
	var results []*models.JobRun
	err := d.table.ListWhere(ctx, txOrNil, &results, goqu.Ex{"job_run_job_id": jobID.ResourceID})
	return results, err
}
