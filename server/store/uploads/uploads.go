package uploads

import (
	"context"

	"github.com/doug-martin/goqu/v9"

	"github.com/batchops/batchops/common/logger"
	"github.com/batchops/batchops/common/models"
	"github.com/batchops/batchops/server/store"
)

func init() {
	store.MustDBModel(&models.Upload{})
}

type UploadStore struct {
	db    *store.DB
	table *store.ResourceTable
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *UploadStore {
	return &UploadStore{
		db:    db,
		table: store.NewResourceTable(db, logFactory, &models.Upload{}),
	}
}

// Create a new upload.
// Returns gerror.ErrAlreadyExists if an upload with this ID already exists.
func (d *UploadStore) Create(ctx context.Context, txOrNil *store.Tx, upload *models.Upload) error {
	return d.table.Create(ctx, txOrNil, upload)
}

// Read an existing upload, looking it up by ResourceID.
// Returns gerror.ErrNotFound if the upload does not exist.
func (d *UploadStore) Read(ctx context.Context, txOrNil *store.Tx, id models.UploadID) (*models.Upload, error) {
	upload := &models.Upload{}
	return upload, d.table.ReadByID(ctx, txOrNil, id.ResourceID, upload)
}

// Update an existing upload. Overrides all previous values using the supplied model.
func (d *UploadStore) Update(ctx context.Context, txOrNil *store.Tx, upload *models.Upload) error {
	return d.table.UpdateByID(ctx, txOrNil, upload)
}

// LockRowForUpdate takes out an exclusive row lock on the upload row.
// Must be called within a transaction.
func (d *UploadStore) LockRowForUpdate(ctx context.Context, tx *store.Tx, id models.UploadID) error {
	return d.table.LockRowForUpdate(ctx, tx, id.ResourceID)
}

// ListByStatus lists uploads in the specified status, newest first.
func (d *UploadStore) ListByStatus(ctx context.Context, txOrNil *store.Tx, status models.UploadStatus) ([]*models.Upload, error) {
	var results []*models.Upload
	err := d.table.ListWhere(ctx, txOrNil, &results, goqu.Ex{"upload_status": status})
	return results, err
}

// ListReceivedSince lists uploads received at or after the cutoff, newest first.
func (d *UploadStore) ListReceivedSince(ctx context.Context, txOrNil *store.Tx, since models.Time) ([]*models.Upload, error) {
	var results []*models.Upload
	err := d.table.ListWhere(ctx, txOrNil, &results, goqu.C("upload_received_at").Gte(since))
	return results, err
}
