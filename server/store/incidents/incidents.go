package incidents

import (
	"context"

	"github.com/doug-martin/goqu/v9"

	"github.com/batchops/batchops/common/logger"
	"github.com/batchops/batchops/common/models"
	"github.com/batchops/batchops/server/store"
)

func init() {
	store.MustDBModel(&models.Incident{})
}

type IncidentStore struct {
	db    *store.DB
	table *store.ResourceTable
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *IncidentStore {
	return &IncidentStore{
		db:    db,
		table: store.NewResourceTable(db, logFactory, &models.Incident{}),
	}
}

// Create a new incident.
func (d *IncidentStore) Create(ctx context.Context, txOrNil *store.Tx, incident *models.Incident) error {
	return d.table.Create(ctx, txOrNil, incident)
}

// Read an existing incident, looking it up by ResourceID.
// Returns gerror.ErrNotFound if the incident does not exist.
func (d *IncidentStore) Read(ctx context.Context, txOrNil *store.Tx, id models.IncidentID) (*models.Incident, error) {
	incident := &models.Incident{}
	return incident, d.table.ReadByID(ctx, txOrNil, id.ResourceID, incident)
}

// Update an existing incident. Overrides all previous values using the supplied model.
func (d *IncidentStore) Update(ctx context.Context, txOrNil *store.Tx, incident *models.Incident) error {
	return d.table.UpdateByID(ctx, txOrNil, incident)
}

// FindOpenForUploadStage finds the open (or in-progress) incident for the
// specified (upload, stage) pair, of which at most one may exist.
// Returns gerror.ErrNotFound if there is no open incident for the pair.
func (d *IncidentStore) FindOpenForUploadStage(ctx context.Context, txOrNil *store.Tx, uploadID models.UploadID, stage models.StageName) (*models.Incident, error) {
	incident := &models.Incident{}
	err := d.table.ReadWhere(ctx, txOrNil, incident,
		goqu.Ex{"incident_upload_id": uploadID.ResourceID},
		goqu.Ex{"incident_stage": stage},
		goqu.Ex{"incident_state": []models.IncidentState{models.IncidentStateOpen, models.IncidentStateInProgress}},
	)
	return incident, err
}

// ListOpen lists every incident in the open or in_progress state, newest first.
func (d *IncidentStore) ListOpen(ctx context.Context, txOrNil *store.Tx) ([]*models.Incident, error) {
	var results []*models.Incident
	err := d.table.ListWhere(ctx, txOrNil, &results,
		goqu.Ex{"incident_state": []models.IncidentState{models.IncidentStateOpen, models.IncidentStateInProgress}})
	return results, err
}

// ListByUpload lists incidents for the specified upload, newest first.
func (d *IncidentStore) ListByUpload(ctx context.Context, txOrNil *store.Tx, uploadID models.UploadID) ([]*models.Incident, error) {
	var results []*models.Incident
	err := d.table.ListWhere(ctx, txOrNil, &results, goqu.Ex{"incident_upload_id": uploadID.ResourceID})
	return results, err
}
