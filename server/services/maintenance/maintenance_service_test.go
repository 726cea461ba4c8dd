package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchops/batchops/common/gerror"
	"github.com/batchops/batchops/common/logger"
	"github.com/batchops/batchops/common/models"
	"github.com/batchops/batchops/server/services"
	"github.com/batchops/batchops/server/store"
	"github.com/batchops/batchops/server/store/department_records"
	"github.com/batchops/batchops/server/store/incidents"
	"github.com/batchops/batchops/server/store/store_test"
	"github.com/batchops/batchops/server/store/uploads"
)

type maintenanceFixture struct {
	service       *MaintenanceService
	recordStore   store.DepartmentRecordStore
	uploadStore   store.UploadStore
	incidentStore store.IncidentStore
	clock         *clock.Mock
}

func newMaintenanceFixture(t *testing.T) *maintenanceFixture {
	t.Helper()
	db, cleanup, err := store_test.Connect(logger.NoOpLogFactory)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))

	recordStore := department_records.NewStore(db, logger.NoOpLogFactory)
	uploadStore := uploads.NewStore(db, logger.NoOpLogFactory)
	incidentStore := incidents.NewStore(db, logger.NoOpLogFactory)
	service := NewMaintenanceService(recordStore, uploadStore, incidentStore, clk, logger.NoOpLogFactory)

	return &maintenanceFixture{
		service:       service,
		recordStore:   recordStore,
		uploadStore:   uploadStore,
		incidentStore: incidentStore,
		clock:         clk,
	}
}

func (f *maintenanceFixture) seedRecord(t *testing.T, recordedAt time.Time) {
	t.Helper()
	record := models.NewDepartmentRecord(models.NewTime(recordedAt), "Examination")
	record.StudentID = "S001"
	record.StudentName = "Ada"
	record.Class = "A"
	record.Score = 91.5
	record.AttendancePercent = 97.5
	record.Status = "active"
	require.NoError(t, f.recordStore.Create(context.Background(), nil, record))
}

func (f *maintenanceFixture) newRun() *models.JobRun {
	return models.NewJobRun(models.NewTime(f.clock.Now()), models.NewJobID(), nil)
}

func TestPurgeOldRecordsDefaultWindow(t *testing.T) {
	ctx := context.Background()
	f := newMaintenanceFixture(t)
	now := f.clock.Now()
	f.seedRecord(t, now.Add(-100*24*time.Hour))
	f.seedRecord(t, now.Add(-95*24*time.Hour))
	f.seedRecord(t, now.Add(-24*time.Hour))

	run := f.newRun()
	err := f.service.PurgeOldRecordsCallable(ctx, &services.CallableRequest{Run: run})
	require.NoError(t, err)
	assert.Contains(t, run.Logs, "Purged 2 department records")
	assert.Contains(t, run.Logs, "retention 90 days")

	remaining, err := f.recordStore.ListBySource(ctx, nil, "", 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestPurgeOldRecordsCustomWindow(t *testing.T) {
	ctx := context.Background()
	f := newMaintenanceFixture(t)
	now := f.clock.Now()
	f.seedRecord(t, now.Add(-40*24*time.Hour))
	f.seedRecord(t, now.Add(-10*24*time.Hour))

	run := f.newRun()
	err := f.service.PurgeOldRecordsCallable(ctx, &services.CallableRequest{
		Run:    run,
		Kwargs: map[string]interface{}{"days": float64(30)},
	})
	require.NoError(t, err)
	assert.Contains(t, run.Logs, "Purged 1 department records")

	remaining, err := f.recordStore.ListBySource(ctx, nil, "", 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestPurgeOldRecordsRejectsInvalidWindow(t *testing.T) {
	ctx := context.Background()
	f := newMaintenanceFixture(t)

	for _, days := range []interface{}{float64(-1), float64(2.5), "soon", false} {
		err := f.service.PurgeOldRecordsCallable(ctx, &services.CallableRequest{
			Run:    f.newRun(),
			Kwargs: map[string]interface{}{"days": days},
		})
		assert.True(t, gerror.IsValidationFailed(err), "days=%v should be rejected", days)
	}
}

func TestStatusDigest(t *testing.T) {
	ctx := context.Background()
	f := newMaintenanceFixture(t)
	now := models.NewTime(f.clock.Now())

	// Two uploads today, one from two days ago.
	todayA := models.NewUpload(now, "a.csv", "Examination", models.ProcessModeTransform, nil)
	todayB := models.NewUpload(now, "b.csv", "Library", models.ProcessModeTransform, nil)
	old := models.NewUpload(models.NewTime(f.clock.Now().Add(-48*time.Hour)), "c.csv", "Examination", models.ProcessModeTransform, nil)
	for _, upload := range []*models.Upload{todayA, todayB, old} {
		require.NoError(t, f.uploadStore.Create(ctx, nil, upload))
	}

	// One open incident with a known-error match, one resolved.
	open := models.NewIncident(now, todayA.ID, nil, models.StageValidate, "Required columns missing: score")
	knownErrorID := models.NewKnownErrorID()
	open.MatchedKnownErrorID = &knownErrorID
	open.IsKnown = true
	require.NoError(t, f.incidentStore.Create(ctx, nil, open))

	resolved := models.NewIncident(now, old.ID, nil, models.StageTransform, "boom")
	resolved.State = models.IncidentStateResolved
	resolved.ResolvedAt = models.NewTimePtr(f.clock.Now())
	require.NoError(t, f.incidentStore.Create(ctx, nil, resolved))

	run := f.newRun()
	err := f.service.StatusDigestCallable(ctx, &services.CallableRequest{Run: run})
	require.NoError(t, err)
	assert.Equal(t, "open_incidents=1, known_open_incidents=1, uploads_today=2", run.Logs)
}
