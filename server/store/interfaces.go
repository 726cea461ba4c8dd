package store

import (
	"context"

	"github.com/batchops/batchops/common/models"
)

type UploadStore interface {
	// Create a new upload.
	// Returns gerror.ErrAlreadyExists if an upload with this ID already exists.
	Create(ctx context.Context, txOrNil *Tx, upload *models.Upload) error
	// Read an existing upload, looking it up by ResourceID.
	// Returns gerror.ErrNotFound if the upload does not exist.
	Read(ctx context.Context, txOrNil *Tx, id models.UploadID) (*models.Upload, error)
	// Update an existing upload. Overrides all previous values using the supplied model.
	Update(ctx context.Context, txOrNil *Tx, upload *models.Upload) error
	// LockRowForUpdate takes out an exclusive row lock on the upload row.
	// Must be called within a transaction.
	LockRowForUpdate(ctx context.Context, tx *Tx, id models.UploadID) error
	// ListByStatus lists uploads in the specified status, newest first.
	ListByStatus(ctx context.Context, txOrNil *Tx, status models.UploadStatus) ([]*models.Upload, error)
	// ListReceivedSince lists uploads received at or after the cutoff, newest first.
	ListReceivedSince(ctx context.Context, txOrNil *Tx, since models.Time) ([]*models.Upload, error)
}

type JobStore interface {
	// Create a new job.
	// Returns gerror.ErrAlreadyExists if a job with the same name already exists.
	Create(ctx context.Context, txOrNil *Tx, job *models.Job) error
	// Read an existing job, looking it up by ResourceID.
	// Returns gerror.ErrNotFound if the job does not exist.
	Read(ctx context.Context, txOrNil *Tx, id models.JobID) (*models.Job, error)
	// ReadByName reads an existing job, looking it up by its unique name.
	// Returns gerror.ErrNotFound if the job does not exist.
	ReadByName(ctx context.Context, txOrNil *Tx, name string) (*models.Job, error)
	// Update an existing job. Overrides all previous values using the supplied model.
	Update(ctx context.Context, txOrNil *Tx, job *models.Job) error
	// Delete permanently and idempotently deletes a job.
	Delete(ctx context.Context, txOrNil *Tx, id models.JobID) error
	// ListAll lists every job, newest first.
	ListAll(ctx context.Context, txOrNil *Tx) ([]*models.Job, error)
}

type JobRunStore interface {
	// Create a new job run.
	Create(ctx context.Context, txOrNil *Tx, run *models.JobRun) error
	// Read an existing job run, looking it up by ResourceID.
	// Returns gerror.ErrNotFound if the job run does not exist.
	Read(ctx context.Context, txOrNil *Tx, id models.JobRunID) (*models.JobRun, error)
	// Update an existing job run. Overrides all previous values using the supplied model.
	Update(ctx context.Context, txOrNil *Tx, run *models.JobRun) error
	// ListByUpload lists job runs for the specified upload, newest first.
	ListByUpload(ctx context.Context, txOrNil *Tx, uploadID models.UploadID) ([]*models.JobRun, error)
	// ListByJob lists job runs for the specified job, newest first.
	ListByJob(ctx context.Context, txOrNil *Tx, jobID models.JobID) ([]*models.JobRun, error)
}

type IncidentStore interface {
	// Create a new incident.
	Create(ctx context.Context, txOrNil *Tx, incident *models.Incident) error
	// Read an existing incident, looking it up by ResourceID.
	// Returns gerror.ErrNotFound if the incident does not exist.
	Read(ctx context.Context, txOrNil *Tx, id models.IncidentID) (*models.Incident, error)
	// Update an existing incident. Overrides all previous values using the supplied model.
	Update(ctx context.Context, txOrNil *Tx, incident *models.Incident) error
	// FindOpenForUploadStage finds the open (or in-progress) incident for the
	// specified (upload, stage) pair, of which at most one may exist.
	// Returns gerror.ErrNotFound if there is no open incident for the pair.
	FindOpenForUploadStage(ctx context.Context, txOrNil *Tx, uploadID models.UploadID, stage models.StageName) (*models.Incident, error)
	// ListOpen lists every incident in the open or in_progress state, newest first.
	ListOpen(ctx context.Context, txOrNil *Tx) ([]*models.Incident, error)
	// ListByUpload lists incidents for the specified upload, newest first.
	ListByUpload(ctx context.Context, txOrNil *Tx, uploadID models.UploadID) ([]*models.Incident, error)
}

type KnownErrorStore interface {
	// Create a new known error.
	Create(ctx context.Context, txOrNil *Tx, knownError *models.KnownError) error
	// Read an existing known error, looking it up by ResourceID.
	// Returns gerror.ErrNotFound if the known error does not exist.
	Read(ctx context.Context, txOrNil *Tx, id models.KnownErrorID) (*models.KnownError, error)
	// ReadByName reads an existing known error, looking it up by its unique name.
	// Returns gerror.ErrNotFound if the known error does not exist.
	ReadByName(ctx context.Context, txOrNil *Tx, name string) (*models.KnownError, error)
	// ListAll lists every known error, newest first.
	ListAll(ctx context.Context, txOrNil *Tx) ([]*models.KnownError, error)
}

type DepartmentRecordStore interface {
	// Create a new department record.
	Create(ctx context.Context, txOrNil *Tx, record *models.DepartmentRecord) error
	// ListBySource lists department records for the specified source, newest
	// first, up to limit records. A limit of 0 means no limit; an empty source
	// matches every record.
	ListBySource(ctx context.Context, txOrNil *Tx, source string, limit int) ([]*models.DepartmentRecord, error)
	// DeleteRecordedBefore deletes records with a recorded_at older than the cutoff,
	// returning the number of rows removed.
	DeleteRecordedBefore(ctx context.Context, txOrNil *Tx, cutoff models.Time) (int64, error)
}
