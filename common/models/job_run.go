package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const JobRunResourceKind ResourceKind = "job_run"

type JobRunID struct {
	ResourceID
}

func NewJobRunID() JobRunID {
	return JobRunID{ResourceID: NewResourceID(JobRunResourceKind)}
}

func JobRunIDFromResourceID(id ResourceID) JobRunID {
	return JobRunID{ResourceID: id}
}

const (
	// RunStatusQueued indicates the run has been created and is waiting for a worker.
	RunStatusQueued RunStatus = "queued"
	// RunStatusRunning indicates a worker is executing the run.
	RunStatusRunning RunStatus = "running"
	// RunStatusSuccess indicates the run finished successfully.
	RunStatusSuccess RunStatus = "success"
	// RunStatusFailed indicates the run finished with a failure.
	RunStatusFailed RunStatus = "failed"
	// RunStatusRetrying indicates the run failed and a retry has been enqueued.
	RunStatusRetrying RunStatus = "retrying"
)

var runStatuses = map[string]RunStatus{
	string(RunStatusQueued):   RunStatusQueued,
	string(RunStatusRunning):  RunStatusRunning,
	string(RunStatusSuccess):  RunStatusSuccess,
	string(RunStatusFailed):   RunStatusFailed,
	string(RunStatusRetrying): RunStatusRetrying,
}

type RunStatus string

func (s RunStatus) Valid() bool {
	_, ok := runStatuses[string(s)]
	return ok
}

// HasFinished returns true if the run has reached a terminal state.
func (s RunStatus) HasFinished() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

func (s RunStatus) String() string {
	return string(s)
}

// StepRecord is one entry in a run's append-only step telemetry.
type StepRecord struct {
	Name       StageName  `json:"name"`
	Status     StepStatus `json:"status"`
	StartedAt  Time       `json:"started_at"`
	FinishedAt *Time      `json:"finished_at,omitempty"`
	Logs       string     `json:"logs,omitempty"`
}

// StepRecords is the ordered sequence of step records within a run, stored as
// a JSON document.
type StepRecords []StepRecord

func (s *StepRecords) Scan(src interface{}) error {
	if src == nil {
		*s = nil
		return nil
	}
	str, ok := src.(string)
	if !ok {
		return fmt.Errorf("error expected string: %#v", src)
	}
	if str == "" {
		*s = nil
		return nil
	}
	return errors.Wrap(json.Unmarshal([]byte(str), s), "error parsing step records")
}

func (s StepRecords) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "error serializing step records")
	}
	return string(data), nil
}

// JobRun records one execution of a callable, with per-step telemetry when
// the callable is a pipeline execution.
type JobRun struct {
	ID        JobRunID  `json:"id" goqu:"skipupdate" db:"job_run_id"`
	CreatedAt Time      `json:"created_at" goqu:"skipupdate" db:"job_run_created_at"`
	JobID     JobID     `json:"job_id" db:"job_run_job_id"`
	UploadID  *UploadID `json:"upload_id,omitempty" db:"job_run_upload_id"`
	Status    RunStatus `json:"status" db:"job_run_status"`
	StartedAt *Time     `json:"started_at,omitempty" db:"job_run_started_at"`
	// FinishedAt is only set once Status is success or failed.
	FinishedAt     *Time `json:"finished_at,omitempty" db:"job_run_finished_at"`
	DurationMillis *int64 `json:"duration_ms,omitempty" db:"job_run_duration_ms"`
	ExitCode       *int   `json:"exit_code,omitempty" db:"job_run_exit_code"`
	// Steps is append-only within a run.
	Steps StepRecords `json:"details" db:"job_run_details"`
	Logs  string      `json:"logs,omitempty" db:"job_run_logs"`
}

func NewJobRun(now Time, jobID JobID, uploadID *UploadID) *JobRun {
	return &JobRun{
		ID:        NewJobRunID(),
		CreatedAt: now,
		JobID:     jobID,
		UploadID:  uploadID,
		Status:    RunStatusQueued,
	}
}

func (m *JobRun) GetKind() ResourceKind {
	return JobRunResourceKind
}

func (m *JobRun) GetCreatedAt() Time {
	return m.CreatedAt
}

func (m *JobRun) GetID() ResourceID {
	return m.ID.ResourceID
}

// Start marks the run as claimed by a worker.
func (m *JobRun) Start(now Time) {
	m.Status = RunStatusRunning
	m.StartedAt = &now
}

// AppendStep appends a new step record in the running state and returns its index.
func (m *JobRun) AppendStep(name StageName, now Time) int {
	m.Steps = append(m.Steps, StepRecord{
		Name:      name,
		Status:    StepStatusRunning,
		StartedAt: now,
	})
	return len(m.Steps) - 1
}

// FinishStep moves the step at index to a terminal status.
func (m *JobRun) FinishStep(index int, status StepStatus, now Time, logs string) {
	if index < 0 || index >= len(m.Steps) {
		return
	}
	m.Steps[index].Status = status
	m.Steps[index].FinishedAt = &now
	if logs != "" {
		m.Steps[index].Logs = logs
	}
}

// Finalize moves the run to a terminal status, recording timing and exit code.
func (m *JobRun) Finalize(status RunStatus, exitCode int, now Time) {
	m.Status = status
	m.FinishedAt = &now
	m.ExitCode = &exitCode
	if m.StartedAt != nil {
		millis := now.MillisSince(*m.StartedAt)
		m.DurationMillis = &millis
	}
}

func (m *JobRun) Validate() error {
	var result *multierror.Error
	if !m.ID.Valid() {
		result = multierror.Append(result, errors.New("error id must be set"))
	}
	if !m.JobID.Valid() {
		result = multierror.Append(result, errors.New("error job id must be set"))
	}
	if !m.Status.Valid() {
		result = multierror.Append(result, errors.Errorf("error invalid status: %q", m.Status))
	}
	if m.FinishedAt != nil && !m.Status.HasFinished() {
		result = multierror.Append(result, errors.New("error finished at requires a terminal status"))
	}
	if m.FinishedAt != nil && m.StartedAt != nil && m.FinishedAt.Before(m.StartedAt.Time) {
		result = multierror.Append(result, errors.New("error finished at must not precede started at"))
	}
	return result.ErrorOrNil()
}
