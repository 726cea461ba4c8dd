package known_errors

import (
	"context"

	"github.com/doug-martin/goqu/v9"

	"github.com/batchops/batchops/common/logger"
	"github.com/batchops/batchops/common/models"
	"github.com/batchops/batchops/server/store"
)

func init() {
	store.MustDBModel(&models.KnownError{})
}

type KnownErrorStore struct {
	db    *store.DB
	table *store.ResourceTable
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *KnownErrorStore {
	return &KnownErrorStore{
		db:    db,
		table: store.NewResourceTable(db, logFactory, &models.KnownError{}),
	}
}

// Create a new known error.
func (d *KnownErrorStore) Create(ctx context.Context, txOrNil *store.Tx, knownError *models.KnownError) error {
	return d.table.Create(ctx, txOrNil, knownError)
}

// Read an existing known error, looking it up by ResourceID.
// Returns gerror.ErrNotFound if the known error does not exist.
func (d *KnownErrorStore) Read(ctx context.Context, txOrNil *store.Tx, id models.KnownErrorID) (*models.KnownError, error) {
	knownError := &models.KnownError{}
	return knownError, d.table.ReadByID(ctx, txOrNil, id.ResourceID, knownError)
}

// ReadByName reads an existing known error, looking it up by its unique name.
// Returns gerror.ErrNotFound if the known error does not exist.
func (d *KnownErrorStore) ReadByName(ctx context.Context, txOrNil *store.Tx, name string) (*models.KnownError, error) {
	knownError := &models.KnownError{}
	return knownError, d.table.ReadWhere(ctx, txOrNil, knownError, goqu.Ex{"known_error_name": name})
}

// ListAll lists every known error, newest first.
func (d *KnownErrorStore) ListAll(ctx context.Context, txOrNil *store.Tx) ([]*models.KnownError, error) {
	var results []*models.KnownError
	err := d.table.ListWhere(ctx, txOrNil, &results)
	return results, err
}
