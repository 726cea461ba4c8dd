package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const UploadResourceKind ResourceKind = "upload"

type UploadID struct {
	ResourceID
}

func NewUploadID() UploadID {
	return UploadID{ResourceID: NewResourceID(UploadResourceKind)}
}

func UploadIDFromResourceID(id ResourceID) UploadID {
	return UploadID{ResourceID: id}
}

const (
	// UploadStatusPending indicates the upload is waiting to be processed.
	UploadStatusPending UploadStatus = "pending"
	// UploadStatusProcessing indicates a pipeline run has claimed the upload.
	UploadStatusProcessing UploadStatus = "processing"
	// UploadStatusPublished indicates reports were generated and stored.
	UploadStatusPublished UploadStatus = "published"
	// UploadStatusFailed indicates the most recent pipeline run failed.
	UploadStatusFailed UploadStatus = "failed"
)

var uploadStatuses = map[string]UploadStatus{
	string(UploadStatusPending):    UploadStatusPending,
	string(UploadStatusProcessing): UploadStatusProcessing,
	string(UploadStatusPublished):  UploadStatusPublished,
	string(UploadStatusFailed):     UploadStatusFailed,
}

type UploadStatus string

func (s UploadStatus) Valid() bool {
	_, ok := uploadStatuses[string(s)]
	return ok
}

func (s UploadStatus) String() string {
	return string(s)
}

const (
	// ProcessModeTransform normalizes the dataset and publishes its summary.
	ProcessModeTransform ProcessMode = "transform"
	// ProcessModeAppend appends operator-supplied records to the dataset.
	ProcessModeAppend ProcessMode = "append"
	// ProcessModeDelete deletes rows matching operator-supplied rules.
	ProcessModeDelete ProcessMode = "delete"
	// ProcessModeCustom records operator notes without mutating the dataset.
	ProcessModeCustom ProcessMode = "custom"
)

var processModes = map[string]ProcessMode{
	string(ProcessModeTransform): ProcessModeTransform,
	string(ProcessModeAppend):    ProcessModeAppend,
	string(ProcessModeDelete):    ProcessModeDelete,
	string(ProcessModeCustom):    ProcessModeCustom,
}

type ProcessMode string

func (m ProcessMode) Valid() bool {
	_, ok := processModes[string(m)]
	return ok
}

func (m ProcessMode) String() string {
	return string(m)
}

// ProcessConfig is the opaque structured payload interpreted per process mode
// (records to append, delete rules, or free-form notes).
type ProcessConfig map[string]interface{}

func (c *ProcessConfig) Scan(src interface{}) error {
	if src == nil {
		*c = nil
		return nil
	}
	str, ok := src.(string)
	if !ok {
		return fmt.Errorf("error expected string: %#v", src)
	}
	if str == "" {
		*c = nil
		return nil
	}
	return errors.Wrap(json.Unmarshal([]byte(str), c), "error parsing process config")
}

func (c ProcessConfig) Value() (driver.Value, error) {
	if c == nil {
		return "", nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "error serializing process config")
	}
	return string(data), nil
}

// Upload represents one departmental data file received for processing,
// together with the report artifacts the pipeline publishes for it.
type Upload struct {
	ID         UploadID `json:"id" goqu:"skipupdate" db:"upload_id"`
	CreatedAt  Time     `json:"created_at" goqu:"skipupdate" db:"upload_created_at"`
	UpdatedAt  Time     `json:"updated_at" db:"upload_updated_at"`
	Filename   string   `json:"filename" db:"upload_filename"`
	Department string   `json:"department" db:"upload_department"`
	ReceivedAt Time     `json:"received_at" db:"upload_received_at"`
	// Status transitions are monotonic except failed->pending on retry.
	Status        UploadStatus  `json:"status" db:"upload_status"`
	ProcessMode   ProcessMode   `json:"process_mode" db:"upload_process_mode"`
	ProcessConfig ProcessConfig `json:"process_config,omitempty" db:"upload_process_config"`
	// ReportCSV and ReportPDF are only set while Status is published.
	ReportCSV         *string `json:"report_csv,omitempty" db:"upload_report_csv"`
	ReportPDF         []byte  `json:"report_pdf,omitempty" db:"upload_report_pdf"`
	ReportGeneratedAt *Time   `json:"report_generated_at,omitempty" db:"upload_report_generated_at"`
}

func NewUpload(now Time, filename string, department string, mode ProcessMode, config ProcessConfig) *Upload {
	return &Upload{
		ID:            NewUploadID(),
		CreatedAt:     now,
		UpdatedAt:     now,
		Filename:      filename,
		Department:    department,
		ReceivedAt:    now,
		Status:        UploadStatusPending,
		ProcessMode:   mode,
		ProcessConfig: config,
	}
}

func (m *Upload) GetKind() ResourceKind {
	return UploadResourceKind
}

func (m *Upload) GetCreatedAt() Time {
	return m.CreatedAt
}

func (m *Upload) GetID() ResourceID {
	return m.ID.ResourceID
}

// HasReports returns true if both published artifacts are present.
func (m *Upload) HasReports() bool {
	return m.ReportCSV != nil && len(m.ReportPDF) > 0
}

// SetPublished records the report artifacts and moves the upload to published.
func (m *Upload) SetPublished(now Time, reportCSV string, reportPDF []byte) {
	m.Status = UploadStatusPublished
	m.ReportCSV = &reportCSV
	m.ReportPDF = reportPDF
	m.ReportGeneratedAt = &now
	m.UpdatedAt = now
}

// ClearReportArtifacts removes the published artifacts. Must be called
// whenever Status leaves published, so stale reports are never served.
func (m *Upload) ClearReportArtifacts() {
	m.ReportCSV = nil
	m.ReportPDF = nil
	m.ReportGeneratedAt = nil
}

func (m *Upload) Validate() error {
	var result *multierror.Error
	if !m.ID.Valid() {
		result = multierror.Append(result, errors.New("error id must be set"))
	}
	if m.CreatedAt.IsZero() {
		result = multierror.Append(result, errors.New("error created at must be set"))
	}
	if m.Filename == "" {
		result = multierror.Append(result, errors.New("error filename must be set"))
	}
	if !m.Status.Valid() {
		result = multierror.Append(result, errors.Errorf("error invalid status: %q", m.Status))
	}
	if !m.ProcessMode.Valid() {
		result = multierror.Append(result, errors.Errorf("error invalid process mode: %q", m.ProcessMode))
	}
	if m.HasReports() && m.Status != UploadStatusPublished {
		result = multierror.Append(result, errors.New("error report artifacts require published status"))
	}
	if m.Status == UploadStatusPublished && !m.HasReports() {
		result = multierror.Append(result, errors.New("error published status requires report artifacts"))
	}
	if m.Status == UploadStatusPublished && m.ReportGeneratedAt == nil {
		result = multierror.Append(result, errors.New("error published status requires report generated at"))
	}
	return result.ErrorOrNil()
}
