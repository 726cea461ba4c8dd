package maintenance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/batchops/batchops/common/gerror"
	"github.com/batchops/batchops/common/logger"
	"github.com/batchops/batchops/common/models"
	"github.com/batchops/batchops/server/services"
	"github.com/batchops/batchops/server/store"
)

// defaultPurgeDays is the retention window applied when a purge task does not
// specify one.
const defaultPurgeDays = 90

// MaintenanceService hosts the housekeeping callables dispatched by the
// scheduler: purging aged department records and emitting the system status
// digest. Incidents and job runs are deliberately out of its reach; both are
// kept forever for audit.
type MaintenanceService struct {
	recordStore   store.DepartmentRecordStore
	uploadStore   store.UploadStore
	incidentStore store.IncidentStore
	clock         clock.Clock
	logger.Log
}

func NewMaintenanceService(
	recordStore store.DepartmentRecordStore,
	uploadStore store.UploadStore,
	incidentStore store.IncidentStore,
	clk clock.Clock,
	logFactory logger.LogFactory,
) *MaintenanceService {
	return &MaintenanceService{
		recordStore:   recordStore,
		uploadStore:   uploadStore,
		incidentStore: incidentStore,
		clock:         clk,
		Log:           logFactory("MaintenanceService"),
	}
}

// PurgeOldRecordsCallable deletes department records recorded before the
// retention cutoff. The window is selected with kwargs {"days": N} and
// defaults to 90 days.
func (s *MaintenanceService) PurgeOldRecordsCallable(ctx context.Context, req *services.CallableRequest) error {
	days, err := daysKwarg(req.Kwargs, defaultPurgeDays)
	if err != nil {
		return err
	}
	cutoff := models.NewTime(s.clock.Now().Add(-time.Duration(days) * 24 * time.Hour))
	deleted, err := s.recordStore.DeleteRecordedBefore(ctx, nil, cutoff)
	if err != nil {
		return err
	}
	s.Infof("Purged %d department records recorded before %s", deleted, cutoff.UTC().Format(time.RFC3339))
	req.Run.Logs = fmt.Sprintf("Purged %d department records recorded before %s (retention %d days)",
		deleted, cutoff.UTC().Format(time.RFC3339), days)
	return nil
}

// StatusDigestCallable records a one-line operational digest: how many
// incidents currently need attention and how many uploads arrived today (UTC).
func (s *MaintenanceService) StatusDigestCallable(ctx context.Context, req *services.CallableRequest) error {
	openIncidents, err := s.incidentStore.ListOpen(ctx, nil)
	if err != nil {
		return err
	}
	midnight := s.clock.Now().UTC().Truncate(24 * time.Hour)
	uploadsToday, err := s.uploadStore.ListReceivedSince(ctx, nil, models.NewTime(midnight))
	if err != nil {
		return err
	}

	known := 0
	for _, incident := range openIncidents {
		if incident.IsKnown {
			known++
		}
	}
	digest := fmt.Sprintf("open_incidents=%d, known_open_incidents=%d, uploads_today=%d",
		len(openIncidents), known, len(uploadsToday))
	s.Infof("System status digest: %s", digest)
	req.Run.Logs = digest
	return nil
}

// daysKwarg reads an integral day count out of the task kwargs. Kwargs travel
// through JSON, so numbers arrive as float64; strings are tolerated for
// hand-entered job configs.
func daysKwarg(kwargs map[string]interface{}, fallback int) (int, error) {
	value, ok := kwargs["days"]
	if !ok || value == nil {
		return fallback, nil
	}
	switch v := value.(type) {
	case float64:
		if v <= 0 || v != float64(int(v)) {
			return 0, gerror.NewErrValidationFailed(fmt.Sprintf("Invalid purge window: %v", v))
		}
		return int(v), nil
	case int:
		if v <= 0 {
			return 0, gerror.NewErrValidationFailed(fmt.Sprintf("Invalid purge window: %d", v))
		}
		return v, nil
	case string:
		days, err := strconv.Atoi(v)
		if err != nil || days <= 0 {
			return 0, gerror.NewErrValidationFailed(fmt.Sprintf("Invalid purge window: %q", v))
		}
		return days, nil
	default:
		return 0, gerror.NewErrValidationFailed(fmt.Sprintf("Invalid purge window: %v", value))
	}
}
