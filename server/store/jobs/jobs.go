package jobs

import (
	"context"

	"github.com/doug-martin/goqu/v9"

	"github.com/batchops/batchops/common/logger"
	"github.com/batchops/batchops/common/models"
	"github.com/batchops/batchops/server/store"
)

func init() {
	store.MustDBModel(&models.Job{})
}

type JobStore struct {
	db    *store.DB
	table *store.ResourceTable
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *JobStore {
	return &JobStore{
		db:    db,
		table: store.NewResourceTableWithTableName(db, logFactory, "jobs", &models.Job{}),
	}
}

// Create a new job.
// Returns gerror.ErrAlreadyExists if a job with the same name already exists.
func (d *JobStore) Create(ctx context.Context, txOrNil *store.Tx, job *models.Job) error {
	return d.table.Create(ctx, txOrNil, job)
}

// Read an existing job, looking it up by ResourceID.
// Returns gerror.ErrNotFound if the job does not exist.
func (d *JobStore) Read(ctx context.Context, txOrNil *store.Tx, id models.JobID) (*models.Job, error) {
	job := &models.Job{}
	return job, d.table.ReadByID(ctx, txOrNil, id.ResourceID, job)
}

// ReadByName reads an existing job, looking it up by its unique name.
// Returns gerror.ErrNotFound if the job does not exist.
func (d *JobStore) ReadByName(ctx context.Context, txOrNil *store.Tx, name string) (*models.Job, error) {
	job := &models.Job{}
	return job, d.table.ReadWhere(ctx, txOrNil, job, goqu.Ex{"job_name": name})
}

// Update an existing job. Overrides all previous values using the supplied model.
func (d *JobStore) Update(ctx context.Context, txOrNil *store.Tx, job *models.Job) error {
	return d.table.UpdateByID(ctx, txOrNil, job)
}

// Delete permanently and idempotently deletes a job.
func (d *JobStore) Delete(ctx context.Context, txOrNil *store.Tx, id models.JobID) error {
	return d.table.DeleteByID(ctx, txOrNil, id.ResourceID)
}

// ListAll lists every job, newest first.
func (d *JobStore) ListAll(ctx context.Context, txOrNil *store.Tx) ([]*models.Job, error) {
	var results []*models.Job
	err := d.table.ListWhere(ctx, txOrNil, &results)
	return results, err
}
