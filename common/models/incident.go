package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const IncidentResourceKind ResourceKind = "incident"

type IncidentID struct {
	ResourceID
}

func NewIncidentID() IncidentID {
	return IncidentID{ResourceID: NewResourceID(IncidentResourceKind)}
}

func IncidentIDFromResourceID(id ResourceID) IncidentID {
	return IncidentID{ResourceID: id}
}

const (
	// IncidentStateOpen indicates the incident has been recorded and needs attention.
	IncidentStateOpen IncidentState = "open"
	// IncidentStateInProgress indicates an assignee is working the incident.
	IncidentStateInProgress IncidentState = "in_progress"
	// IncidentStateResolved indicates the incident has been resolved.
	IncidentStateResolved IncidentState = "resolved"
	// IncidentStateArchived indicates the incident is closed for audit only.
	IncidentStateArchived IncidentState = "archived"
)

var incidentStates = map[string]IncidentState{
	string(IncidentStateOpen):       IncidentStateOpen,
	string(IncidentStateInProgress): IncidentStateInProgress,
	string(IncidentStateResolved):   IncidentStateResolved,
	string(IncidentStateArchived):   IncidentStateArchived,
}

type IncidentState string

func (s IncidentState) Valid() bool {
	_, ok := incidentStates[string(s)]
	return ok
}

// IsOpen returns true if the incident can still accumulate failures.
func (s IncidentState) IsOpen() bool {
	return s == IncidentStateOpen || s == IncidentStateInProgress
}

func (s IncidentState) String() string {
	return string(s)
}

const (
	DetectionSourceEngine DetectionSource = "engine"
	DetectionSourceManual DetectionSource = "manual"
)

type DetectionSource string

func (s DetectionSource) String() string {
	return string(s)
}

// Timeline event names recorded by the incident writer.
const (
	TimelineEventCreated            = "created"
	TimelineEventRecurrence         = "recurrence"
	TimelineEventAutoRetryScheduled = "auto_retry_scheduled"
	TimelineEventAutoResolved       = "auto_resolved"
	TimelineEventAssigned           = "assigned"
	TimelineEventAnalyzed           = "analyzed"
	TimelineEventResolved           = "resolved"
	TimelineEventManualRetry        = "manual_retry"
	TimelineEventArchived           = "archived"
)

// TimelineEvent is one entry in an incident's append-only audit trail.
type TimelineEvent struct {
	Timestamp Time   `json:"timestamp"`
	Actor     string `json:"actor"`
	Event     string `json:"event"`
	Notes     string `json:"notes,omitempty"`
}

// Timeline is the ordered audit trail of an incident, stored as a JSON document.
type Timeline []TimelineEvent

func (t *Timeline) Scan(src interface{}) error {
	if src == nil {
		*t = nil
		return nil
	}
	str, ok := src.(string)
	if !ok {
		return fmt.Errorf("error expected string: %#v", src)
	}
	if str == "" {
		*t = nil
		return nil
	}
	return errors.Wrap(json.Unmarshal([]byte(str), t), "error parsing timeline")
}

func (t Timeline) Value() (driver.Value, error) {
	if t == nil {
		return "[]", nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, errors.Wrap(err, "error serializing timeline")
	}
	return string(data), nil
}

// Incident is a durable record of a pipeline failure with workflow state,
// an append-only timeline and retry accounting. At most one open incident
// exists per (upload, stage) pair.
type Incident struct {
	ID        IncidentID `json:"id" goqu:"skipupdate" db:"incident_id"`
	CreatedAt Time       `json:"created_at" goqu:"skipupdate" db:"incident_created_at"`
	UploadID  UploadID   `json:"upload_id" db:"incident_upload_id"`
	JobRunID  *JobRunID  `json:"job_run_id,omitempty" db:"incident_job_run_id"`
	// Stage is the pipeline stage whose failure opened the incident.
	Stage            StageName     `json:"stage" db:"incident_stage"`
	State            IncidentState `json:"state" db:"incident_state"`
	Severity         Severity      `json:"severity" db:"incident_severity"`
	Category         Category      `json:"category" db:"incident_category"`
	Error            string        `json:"error" db:"incident_error"`
	RootCause        string        `json:"root_cause,omitempty" db:"incident_root_cause"`
	CorrectiveAction string        `json:"corrective_action,omitempty" db:"incident_corrective_action"`
	ImpactSummary    string        `json:"impact_summary,omitempty" db:"incident_impact_summary"`
	AnalysisNotes    string        `json:"analysis_notes,omitempty" db:"incident_analysis_notes"`
	ResolutionReport string        `json:"resolution_report,omitempty" db:"incident_resolution_report"`
	// MatchedKnownErrorID is set exactly when IsKnown is true.
	MatchedKnownErrorID *KnownErrorID   `json:"matched_known_error,omitempty" db:"incident_matched_known_error_id"`
	IsKnown             bool            `json:"is_known" db:"incident_is_known"`
	AutoRetryCount      int             `json:"auto_retry_count" db:"incident_auto_retry_count"`
	MaxAutoRetries      int             `json:"max_auto_retries" db:"incident_max_auto_retries"`
	DetectionSource     DetectionSource `json:"detection_source" db:"incident_detection_source"`
	Assignee            string          `json:"assignee,omitempty" db:"incident_assignee"`
	Timeline            Timeline        `json:"timeline" db:"incident_timeline"`
	ResolvedAt          *Time           `json:"resolved_at,omitempty" db:"incident_resolved_at"`
	ArchivedAt          *Time           `json:"archived_at,omitempty" db:"incident_archived_at"`
}

func NewIncident(now Time, uploadID UploadID, jobRunID *JobRunID, stage StageName, errMessage string) *Incident {
	return &Incident{
		ID:              NewIncidentID(),
		CreatedAt:       now,
		UploadID:        uploadID,
		JobRunID:        jobRunID,
		Stage:           stage,
		State:           IncidentStateOpen,
		Severity:        SeverityMedium,
		Category:        CategoryRuntime,
		Error:           errMessage,
		DetectionSource: DetectionSourceEngine,
	}
}

func (m *Incident) GetKind() ResourceKind {
	return IncidentResourceKind
}

func (m *Incident) GetCreatedAt() Time {
	return m.CreatedAt
}

func (m *Incident) GetID() ResourceID {
	return m.ID.ResourceID
}

// AppendEvent appends one event to the timeline. The timeline is append-only;
// existing entries are never modified.
func (m *Incident) AppendEvent(now Time, actor string, event string, notes string) {
	m.Timeline = append(m.Timeline, TimelineEvent{
		Timestamp: now,
		Actor:     actor,
		Event:     event,
		Notes:     notes,
	})
}

// ApplyKnownError populates classification fields from a known-error match.
func (m *Incident) ApplyKnownError(knownError *KnownError) {
	id := knownError.ID
	m.MatchedKnownErrorID = &id
	m.IsKnown = true
	m.Severity = knownError.Severity
	m.Category = knownError.Category
	m.RootCause = knownError.RootCause
	m.CorrectiveAction = knownError.CorrectiveAction
	m.MaxAutoRetries = knownError.MaxAutoRetries
}

func (m *Incident) Validate() error {
	var result *multierror.Error
	if !m.ID.Valid() {
		result = multierror.Append(result, errors.New("error id must be set"))
	}
	if !m.UploadID.Valid() {
		result = multierror.Append(result, errors.New("error upload id must be set"))
	}
	if !m.Stage.Valid() {
		result = multierror.Append(result, errors.Errorf("error invalid stage: %q", m.Stage))
	}
	if !m.State.Valid() {
		result = multierror.Append(result, errors.Errorf("error invalid state: %q", m.State))
	}
	if m.IsKnown != (m.MatchedKnownErrorID != nil) {
		result = multierror.Append(result, errors.New("error is known must match presence of matched known error"))
	}
	if m.AutoRetryCount < 0 || m.AutoRetryCount > m.MaxAutoRetries {
		result = multierror.Append(result, errors.New("error auto retry count must be between zero and max auto retries"))
	}
	resolvedState := m.State == IncidentStateResolved || m.State == IncidentStateArchived
	if resolvedState != (m.ResolvedAt != nil) {
		result = multierror.Append(result, errors.New("error resolved at must be set exactly for resolved or archived state"))
	}
	return result.ErrorOrNil()
}
