package department_records

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/batchops/batchops/common/logger"
	"github.com/batchops/batchops/common/models"
	"github.com/batchops/batchops/server/store"
)

func init() {
	store.MustDBModel(&models.DepartmentRecord{})
}

type DepartmentRecordStore struct {
	db    *store.DB
	table *store.ResourceTable
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *DepartmentRecordStore {
	return &DepartmentRecordStore{
		db:    db,
		table: store.NewResourceTable(db, logFactory, &models.DepartmentRecord{}),
	}
}

// Create a new department record.
func (d *DepartmentRecordStore) Create(ctx context.Context, txOrNil *store.Tx, record *models.DepartmentRecord) error {
	return d.table.Create(ctx, txOrNil, record)
}

// ListBySource lists department records for the specified source, newest
// first, up to limit records. A limit of 0 means no limit; an empty source
// matches every record.
func (d *DepartmentRecordStore) ListBySource(ctx context.Context, txOrNil *store.Tx, source string, limit int) ([]*models.DepartmentRecord, error) {
	var results []*models.DepartmentRecord
	ds := d.table.Dialect().From(d.table.TableName()).Select(&models.DepartmentRecord{})
	if source != "" {
		ds = ds.Where(goqu.Ex{"department_record_source": source})
	}
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	err := d.table.ListIn(ctx, txOrNil, &results, ds)
	return results, err
}

// DeleteRecordedBefore deletes records with a recorded_at older than the cutoff,
// returning the number of rows removed.
func (d *DepartmentRecordStore) DeleteRecordedBefore(ctx context.Context, txOrNil *store.Tx, cutoff models.Time) (int64, error) {
	var rowsAffected int64
	err := d.db.Write(txOrNil, func(db store.Writer) error {
		res, err := db.Delete(d.table.TableName()).Where(goqu.C("department_record_recorded_at").Lt(cutoff)).Prepared(true).Executor().ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("error executing delete query: %w", store.MakeStandardDBError(err))
		}
		rowsAffected, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("error reading rows affected: %w", store.MakeStandardDBError(err))
		}
		return nil
	})
	return rowsAffected, err
}
