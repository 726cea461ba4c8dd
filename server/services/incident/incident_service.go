package incident

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/batchops/batchops/common/gerror"
	"github.com/batchops/batchops/common/logger"
	"github.com/batchops/batchops/common/models"
	"github.com/batchops/batchops/common/util"
	"github.com/batchops/batchops/server/services"
	"github.com/batchops/batchops/server/store"
)

const (
	// autoRetryDelayStep is multiplied by the attempt number to obtain the
	// delay before an automatic retry fires.
	autoRetryDelayStep = 30 * time.Second
	autoRetryDelayMin  = 30 * time.Second
	autoRetryDelayMax  = 10 * time.Minute

	// engineActor is recorded on timeline events produced by the engine itself.
	engineActor = "engine"

	// maxStoredErrorChars bounds the error text stored on an incident; stage
	// failures can carry multi-line loader output.
	maxStoredErrorChars = 2000
)

// retryEnqueuer schedules a pipeline execution for an upload.
type retryEnqueuer interface {
	EnqueuePipelineRun(ctx context.Context, txOrNil *store.Tx, uploadID models.UploadID, delay time.Duration) error
}

// IncidentService is the single writer of incident records. It enforces the
// one-open-incident-per-(upload, stage) rule, classifies failures against the
// known error library and drives the incident workflow.
type IncidentService struct {
	db            *store.DB
	incidentStore store.IncidentStore
	knownErrors   services.KnownErrorService
	retries       retryEnqueuer
	clock         clock.Clock
	logger.Log
}

func NewIncidentService(
	db *store.DB,
	incidentStore store.IncidentStore,
	knownErrors services.KnownErrorService,
	retries retryEnqueuer,
	clk clock.Clock,
	logFactory logger.LogFactory,
) *IncidentService {
	return &IncidentService{
		db:            db,
		incidentStore: incidentStore,
		knownErrors:   knownErrors,
		retries:       retries,
		clock:         clk,
		Log:           logFactory("IncidentService"),
	}
}

// RecordFailure creates or updates the open incident for the (upload, failing
// stage) pair. A recurrence of the same failure folds into the existing open
// incident as a timeline event rather than opening a second one. When the
// matched known error allows automatic retries and the budget is not yet
// exhausted, a delayed pipeline run is scheduled and counted on the incident.
func (s *IncidentService) RecordFailure(
	ctx context.Context,
	txOrNil *store.Tx,
	uploadID models.UploadID,
	runID models.JobRunID,
	stage models.StageName,
	errMessage string,
) (*models.Incident, error) {
	now := models.NewTime(s.clock.Now())
	errMessage = util.TruncateStringToMaxLength(errMessage, maxStoredErrorChars)

	// Classify through the caller's transaction when one is open; reading the
	// library outside it would contend with the transaction's store lock.
	matched, err := s.knownErrors.Match(ctx, txOrNil, errMessage)
	if err != nil {
		// Classification is best-effort; an unreachable library must not stop
		// the failure from being recorded.
		s.Warnf("Known error match failed for upload %s: %v", uploadID, err)
		matched = nil
	}

	var incident *models.Incident
	var retryDelay time.Duration
	scheduleRetry := false

	err = s.db.WithTx(ctx, txOrNil, func(tx *store.Tx) error {
		existing, err := s.incidentStore.FindOpenForUploadStage(ctx, tx, uploadID, stage)
		if err != nil {
			if !gerror.IsNotFound(err) {
				return err
			}
			// No open incident for the pair yet; take the create branch below.
			existing = nil
		}

		if existing != nil {
			incident = existing
			incident.Error = errMessage
			incident.JobRunID = &runID
			incident.AppendEvent(now, engineActor, models.TimelineEventRecurrence,
				fmt.Sprintf("Failure recurred in stage %s", stage))
		} else {
			incident = models.NewIncident(now, uploadID, &runID, stage, errMessage)
			if matched != nil {
				incident.ApplyKnownError(matched)
			}
			incident.AppendEvent(now, engineActor, models.TimelineEventCreated,
				fmt.Sprintf("Failure recorded in stage %s", stage))
		}

		if matched != nil && matched.AutoRetry && incident.AutoRetryCount < incident.MaxAutoRetries {
			incident.AutoRetryCount++
			retryDelay = autoRetryDelay(incident.AutoRetryCount)
			scheduleRetry = true
			incident.AppendEvent(now, engineActor, models.TimelineEventAutoRetryScheduled,
				fmt.Sprintf("Automatic retry %d of %d scheduled in %s", incident.AutoRetryCount, incident.MaxAutoRetries, retryDelay))
		}

		if existing != nil {
			return s.incidentStore.Update(ctx, tx, incident)
		}
		return s.incidentStore.Create(ctx, tx, incident)
	})
	if err != nil {
		return nil, err
	}

	if scheduleRetry {
		err = s.retries.EnqueuePipelineRun(ctx, txOrNil, uploadID, retryDelay)
		if err != nil {
			// The incident is durable either way; the retry can be replayed manually.
			s.Errorf("Failed to enqueue automatic retry for upload %s: %v", uploadID, err)
		}
	}

	s.Infof("Recorded failure for upload %s stage %s (incident %s, known=%v)", uploadID, stage, incident.ID, incident.IsKnown)
	return incident, nil
}

// AutoResolveForUpload resolves every open incident for the upload after a
// successful pipeline run. The failure record and timeline are preserved for audit.
func (s *IncidentService) AutoResolveForUpload(ctx context.Context, uploadID models.UploadID) error {
	incidents, err := s.incidentStore.ListByUpload(ctx, nil, uploadID)
	if err != nil {
		return err
	}
	now := models.NewTime(s.clock.Now())
	for _, incident := range incidents {
		if !incident.State.IsOpen() {
			continue
		}
		incident.State = models.IncidentStateResolved
		incident.ResolvedAt = &now
		incident.AppendEvent(now, engineActor, models.TimelineEventAutoResolved,
			"Pipeline completed successfully; incident resolved automatically")
		err = s.incidentStore.Update(ctx, nil, incident)
		if err != nil {
			return err
		}
		s.Infof("Auto-resolved incident %s for upload %s", incident.ID, uploadID)
	}
	return nil
}

// Assign sets the assignee. The incident moves open to in_progress on first
// assignment; reassigning an in_progress incident keeps its state.
func (s *IncidentService) Assign(ctx context.Context, id models.IncidentID, assignee string) (*models.Incident, error) {
	incident, err := s.incidentStore.Read(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if !incident.State.IsOpen() {
		return nil, gerror.NewErrValidationFailed(fmt.Sprintf("Cannot assign incident in state %q", incident.State))
	}
	now := models.NewTime(s.clock.Now())
	incident.Assignee = assignee
	if incident.State == models.IncidentStateOpen {
		incident.State = models.IncidentStateInProgress
	}
	incident.AppendEvent(now, assignee, models.TimelineEventAssigned, fmt.Sprintf("Assigned to %s", assignee))
	err = s.incidentStore.Update(ctx, nil, incident)
	if err != nil {
		return nil, err
	}
	return incident, nil
}

// Analyze records severity, impact summary and analysis notes.
func (s *IncidentService) Analyze(ctx context.Context, id models.IncidentID, severity models.Severity, impactSummary, analysisNotes string) (*models.Incident, error) {
	incident, err := s.incidentStore.Read(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if incident.State == models.IncidentStateArchived {
		return nil, gerror.NewErrValidationFailed("Cannot analyze an archived incident")
	}
	if !severity.Valid() {
		return nil, gerror.NewErrValidationFailed(fmt.Sprintf("Invalid severity %q", severity))
	}
	now := models.NewTime(s.clock.Now())
	incident.Severity = severity
	incident.ImpactSummary = impactSummary
	incident.AnalysisNotes = analysisNotes
	incident.AppendEvent(now, incident.Assignee, models.TimelineEventAnalyzed, "Impact analysis recorded")
	err = s.incidentStore.Update(ctx, nil, incident)
	if err != nil {
		return nil, err
	}
	return incident, nil
}

// Resolve moves the incident to resolved, recording the closure narrative.
// Resolving an already resolved incident updates the narrative in place.
func (s *IncidentService) Resolve(ctx context.Context, id models.IncidentID, rootCause, correctiveAction, resolutionReport string) (*models.Incident, error) {
	incident, err := s.incidentStore.Read(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if incident.State == models.IncidentStateArchived {
		return nil, gerror.NewErrValidationFailed("Cannot resolve an archived incident")
	}
	now := models.NewTime(s.clock.Now())
	if rootCause != "" {
		incident.RootCause = rootCause
	}
	if correctiveAction != "" {
		incident.CorrectiveAction = correctiveAction
	}
	incident.ResolutionReport = resolutionReport
	incident.State = models.IncidentStateResolved
	if incident.ResolvedAt == nil {
		incident.ResolvedAt = &now
	}
	incident.AppendEvent(now, incident.Assignee, models.TimelineEventResolved, "Incident resolved")
	err = s.incidentStore.Update(ctx, nil, incident)
	if err != nil {
		return nil, err
	}
	s.Infof("Resolved incident %s", incident.ID)
	return incident, nil
}

// Retry re-enqueues the pipeline for the incident's upload. Manual retries do
// not count against the automatic retry budget.
func (s *IncidentService) Retry(ctx context.Context, id models.IncidentID, actor, notes string) (*models.Incident, error) {
	incident, err := s.incidentStore.Read(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if incident.State == models.IncidentStateArchived {
		return nil, gerror.NewErrValidationFailed("Cannot retry an archived incident")
	}
	now := models.NewTime(s.clock.Now())
	incident.AppendEvent(now, actor, models.TimelineEventManualRetry, notes)
	err = s.incidentStore.Update(ctx, nil, incident)
	if err != nil {
		return nil, err
	}
	err = s.retries.EnqueuePipelineRun(ctx, nil, incident.UploadID, 0)
	if err != nil {
		return nil, err
	}
	s.Infof("Manual retry enqueued for upload %s (incident %s)", incident.UploadID, incident.ID)
	return incident, nil
}

// Archive moves the incident to archived. Only resolved incidents may be archived.
func (s *IncidentService) Archive(ctx context.Context, id models.IncidentID) (*models.Incident, error) {
	incident, err := s.incidentStore.Read(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if incident.State != models.IncidentStateResolved {
		return nil, gerror.NewErrValidationFailed(fmt.Sprintf("Cannot archive incident in state %q", incident.State))
	}
	now := models.NewTime(s.clock.Now())
	incident.State = models.IncidentStateArchived
	incident.ArchivedAt = &now
	incident.AppendEvent(now, incident.Assignee, models.TimelineEventArchived, "Incident archived")
	err = s.incidentStore.Update(ctx, nil, incident)
	if err != nil {
		return nil, err
	}
	return incident, nil
}

// autoRetryDelay computes the delay before automatic retry number attempt,
// growing linearly with the attempt and clamped to a fixed window.
func autoRetryDelay(attempt int) time.Duration {
	delay := time.Duration(attempt) * autoRetryDelayStep
	if delay < autoRetryDelayMin {
		return autoRetryDelayMin
	}
	if delay > autoRetryDelayMax {
		return autoRetryDelayMax
	}
	return delay
}
