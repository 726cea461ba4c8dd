package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/batchops/batchops/common/gerror"
	"github.com/batchops/batchops/common/logger"
	"github.com/batchops/batchops/common/models"
)

type queryBuilder interface {
	ToSQL() (string, []interface{}, error)
}

type tableDescriptor struct {
	tableName        string
	idColName        string
	createdAtColName string
}

// ResourceTable provides the shared CRUD plumbing for one resource type,
// deriving the table and column names from the model's "db" tags.
// All queries run in goqu's prepared mode so values travel as bind arguments;
// binary columns (e.g. a PDF report blob) cannot be interpolated into the SQL
// text.
type ResourceTable struct {
	logger.Log
	tableDescriptor
	db *DB
}

func NewResourceTable(db *DB, logFactory logger.LogFactory, resource models.Resource) *ResourceTable {
	return NewResourceTableWithTableName(db, logFactory, "", resource)
}

func NewResourceTableWithTableName(db *DB, logFactory logger.LogFactory, tableName string, resource models.Resource) *ResourceTable {
	desc := mustTableDescriptor(resource, tableName)
	return &ResourceTable{
		db:              db,
		tableDescriptor: desc,
		Log:             logFactory(fmt.Sprintf("%s_table", desc.tableName)),
	}
}

// MustDBModel verifies a resource model matches our conventions and contains suitable "db" tags.
//   - Model must contain one or more "db" tags
//   - All "db" tags must have a common field prefix e.g upload_ or job_ etc.
//   - There must be a prefix_id field e.g. upload_id or job_id etc.
func MustDBModel(resource models.Resource) {
	mustTableDescriptor(resource, "")
}

// Dialect returns the goqu dialect (aka SQL Driver e.g. sqlite3, postgres etc.) in use.
func (d *ResourceTable) Dialect() goqu.DialectWrapper {
	return goqu.Dialect(d.db.DriverName())
}

// ReadByID reads an existing resource, looking it up by ResourceID.
// Returns gerror.ErrNotFound if the resource does not exist.
func (d *ResourceTable) ReadByID(ctx context.Context, txOrNil *Tx, id models.ResourceID, resource models.Resource) error {
	where := goqu.Ex{d.idColName: id}
	return d.ReadIn(ctx, txOrNil, resource, d.Dialect().From(d.tableName).Select(resource).Where(where))
}

// ReadWhere reads an existing resource, looking it up using the supplied where clauses.
// Returns gerror.ErrNotFound if the resource does not exist.
func (d *ResourceTable) ReadWhere(ctx context.Context, txOrNil *Tx, resource models.Resource, where ...goqu.Expression) error {
	return d.ReadIn(ctx, txOrNil, resource, d.Dialect().From(d.tableName).Select(resource).Where(where...))
}

// ReadIn reads an existing resource from the supplied select dataset.
// Returns gerror.ErrNotFound if the resource does not exist.
func (d *ResourceTable) ReadIn(ctx context.Context, txOrNil *Tx, resource models.Resource, ds *goqu.SelectDataset) error {
	ds = ds.Limit(1).Prepared(true)
	return d.db.Read(txOrNil, func(db Reader) error {
		query, args, err := ds.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		d.LogQuery(query, args)
		found, err := db.ScanStructContext(ctx, resource, query, args...)
		if err != nil {
			return MakeStandardDBError(err)
		}
		if !found {
			return gerror.NewErrNotFound("Not Found")
		}
		return nil
	})
}

// LockRowForUpdate takes out an exclusive row lock on the row for the specified resource ID.
// This function must be called within a transaction, and will block other transactions from locking, updating
// or deleting the row until this transaction ends.
// Returns gerror.ErrNotFound if the resource does not exist.
func (d *ResourceTable) LockRowForUpdate(ctx context.Context, tx *Tx, id models.ResourceID) error {
	if tx == nil {
		return fmt.Errorf("error locking database row for resource %q: no transaction specified", id)
	}
	// If database doesn't support row locking then assume we have table locking by default and don't need row locking
	if !d.db.SupportsRowLevelLocking() {
		return nil
	}
	return d.db.Read(tx, func(db Reader) error {
		ds := d.Dialect().From(d.tableName).Select(goqu.C(d.idColName)).Where(goqu.Ex{d.idColName: id}).ForUpdate(exp.Wait).Limit(1).Prepared(true)
		query, args, err := ds.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		d.LogQuery(query, args)

		var resultID string
		found, err := db.ScanValContext(ctx, &resultID, query, args...)
		if err != nil {
			return MakeStandardDBError(err)
		}
		if !found || resultID == "" {
			return gerror.NewErrNotFound("Not Found")
		}
		return nil
	})
}

// Create a new resource.
// Returns gerror.ErrAlreadyExists if a resource with matching unique properties already exists.
func (d *ResourceTable) Create(ctx context.Context, txOrNil *Tx, resource models.Resource) error {
	err := resource.Validate()
	if err != nil {
		return fmt.Errorf("error resource invalid: %w", err)
	}
	return d.db.Write(txOrNil, func(db Writer) error {
		_, err := d.LogInsert(db.Insert(d.tableName).Rows(resource).Prepared(true)).Executor().ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("error executing create query: %w", MakeStandardDBError(err))
		}
		return nil
	})
}

// UpdateByID updates an existing resource. Identifies the resource by id.
// Overrides all previous values using the supplied model.
// Returns gerror.ErrNotFound if the resource does not exist.
func (d *ResourceTable) UpdateByID(ctx context.Context, txOrNil *Tx, resource models.Resource) error {
	err := resource.Validate()
	if err != nil {
		return fmt.Errorf("error resource invalid: %w", err)
	}
	return d.db.Write(txOrNil, func(db Writer) error {
		where := goqu.Ex{d.idColName: resource.GetID()}
		res, err := d.LogUpdate(db.Update(d.tableName).Set(resource).Where(where).Prepared(true)).Executor().ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("error executing update query: %w", MakeStandardDBError(err))
		}
		rowsAffected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("error reading rows affected: %w", MakeStandardDBError(err))
		}
		if rowsAffected == 0 {
			return gerror.NewErrNotFound(fmt.Sprintf("%s does not exist", resource.GetID()))
		}
		return nil
	})
}

// DeleteByID idempotently deletes one resource by id.
func (d *ResourceTable) DeleteByID(ctx context.Context, txOrNil *Tx, id models.ResourceID) error {
	return d.DeleteWhere(ctx, txOrNil, goqu.Ex{d.idColName: id})
}

// DeleteWhere idempotently deletes one or more resources that match the supplied where clauses.
func (d *ResourceTable) DeleteWhere(ctx context.Context, txOrNil *Tx, where ...goqu.Expression) error {
	return d.db.Write(txOrNil, func(db Writer) error {
		_, err := d.logDelete(db.Delete(d.tableName).Where(where...).Prepared(true)).Executor().ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("error executing delete query: %w", MakeStandardDBError(err))
		}
		return nil
	})
}

// ListIn lists resources matching the supplied select dataset, newest creation
// date first with ID as the tie-breaker.
// Resources must be a pointer to a slice of the resource type e.g. &[]*models.Upload
func (d *ResourceTable) ListIn(ctx context.Context, txOrNil *Tx, resources interface{}, ds *goqu.SelectDataset) error {
	slicePtr := reflect.TypeOf(resources)
	if slicePtr.Kind() != reflect.Ptr || slicePtr.Elem().Kind() != reflect.Slice {
		d.Panicf("expected pointer to slice, found: %T", resources)
	}
	ds = ds.Order(goqu.I(d.createdAtColName).Desc()).OrderAppend(goqu.I(d.idColName).Desc()).Prepared(true)
	err := d.db.Read(txOrNil, func(db Reader) error {
		query, args, err := ds.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		d.LogQuery(query, args)
		return db.ScanStructsContext(ctx, resources, query, args...)
	})
	if err != nil {
		return MakeStandardDBError(err)
	}
	return nil
}

// ListWhere lists resources matching the supplied where clauses, newest
// creation date first with ID as the tie-breaker.
func (d *ResourceTable) ListWhere(ctx context.Context, txOrNil *Tx, resources interface{}, where ...goqu.Expression) error {
	return d.ListIn(ctx, txOrNil, resources, d.Dialect().From(d.tableName).Where(where...))
}

func MakeStandardDBError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrConstraint &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
			return gerror.NewErrAlreadyExists("Resource already exists").Wrap(sqliteErr)
		}
		if sqliteErr.Code == sqlite3.ErrNotFound {
			return gerror.NewErrNotFound("Resource not found").Wrap(sqliteErr)
		}
	}

	var pgErr *pq.Error
	if errors.As(err, &pgErr) {
		// 23505 -> unique_violation
		if pgErr.Code == "23505" {
			return gerror.NewErrAlreadyExists("Resource already exists").Wrap(pgErr)
		}
		// P0002 -> no_data_found
		if pgErr.Code == "P0002" {
			return gerror.NewErrNotFound("Resource not found").Wrap(pgErr)
		}
	}
	return err
}

// LogSelect logs a select query via the configured logger.
func (d *ResourceTable) LogSelect(ds *goqu.SelectDataset) *goqu.SelectDataset {
	d.logQueryDS(ds)
	return ds
}

// LogInsert logs an insert query via the configured logger.
func (d *ResourceTable) LogInsert(ds *goqu.InsertDataset) *goqu.InsertDataset {
	d.logQueryDS(ds)
	return ds
}

// LogUpdate logs an update query via the configured logger.
func (d *ResourceTable) LogUpdate(ds *goqu.UpdateDataset) *goqu.UpdateDataset {
	d.logQueryDS(ds)
	return ds
}

// logDelete logs a delete query via the configured logger.
func (d *ResourceTable) logDelete(ds *goqu.DeleteDataset) *goqu.DeleteDataset {
	d.logQueryDS(ds)
	return ds
}

// logQueryDS generates and logs the raw SQL of a query to the configured logger.
func (d *ResourceTable) logQueryDS(ds queryBuilder) {
	query, args, err := ds.ToSQL()
	if err != nil {
		d.Errorf("Error generating query: %v", err)
		return
	}
	d.LogQuery(query, args)
}

// LogQuery logs a SQL query and args to the configured logger.
func (d *ResourceTable) LogQuery(query string, args []interface{}) {
	d.WithFields(logger.Fields{"query": query, "args": args}).Trace()
}

func (d *ResourceTable) TableName() string {
	return d.tableName
}

// mustTableDescriptor generates a table descriptor for a resource model. Panics if the model does not match our conventions.
// See MustDBModel for a description of the rules.
func mustTableDescriptor(resource models.Resource, tableNameOverride string) tableDescriptor {
	t := reflect.TypeOf(resource)
	fieldMap := make(map[string]struct{})
	collectDBTags(t, fieldMap)

	fieldPrefix := "" // e.g. upload
	for val := range fieldMap {
		candidate := strings.TrimSuffix(val, idColSuffix) // in case there is only one field (assuming it's id, which is required)
		if fieldPrefix == "" {
			fieldPrefix = candidate
			continue
		}
		k := 0
		for ; k < min(len(candidate), len(fieldPrefix)); k++ {
			if candidate[k] != fieldPrefix[k] {
				k--
				break
			}
		}
		if k <= 0 {
			panic("All db fields must be prefixed with the table name")
		}
		fieldPrefix = candidate[:k]
	}

	if fieldPrefix == "" {
		panic("Unable to determine db field prefix")
	}

	idColName := makeIDColName(fieldPrefix)
	if _, ok := fieldMap[idColName]; !ok {
		panic(fmt.Sprintf("expected model to contain a field with a \"db\" tag matching %q", idColName))
	}

	tableName := tableNameOverride
	if tableName == "" {
		tableName = fieldPrefix + "s" // e.g. uploads
	}

	return tableDescriptor{
		tableName:        tableName,
		idColName:        idColName,
		createdAtColName: makeCreatedAtFieldName(fieldPrefix),
	}
}

// collectDBTags returns a map containing the db tag values of all fields in the flattened t.
func collectDBTags(t reflect.Type, fieldMap map[string]struct{}) {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return
	}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.Anonymous {
			collectDBTags(field.Type, fieldMap)
		} else {
			val, ok := field.Tag.Lookup(dbTagName)
			if ok {
				fieldMap[val] = struct{}{}
			}
		}
	}
}

const dbTagName = "db"

const idColSuffix = "_id"

func makeIDColName(fieldPrefix string) string {
	return fieldPrefix + idColSuffix
}

const createdAtColSuffix = "_created_at"

func makeCreatedAtFieldName(fieldPrefix string) string {
	return fieldPrefix + createdAtColSuffix
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
