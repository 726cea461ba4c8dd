package models

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const DepartmentRecordResourceKind ResourceKind = "department_record"

type DepartmentRecordID struct {
	ResourceID
}

func NewDepartmentRecordID() DepartmentRecordID {
	return DepartmentRecordID{ResourceID: NewResourceID(DepartmentRecordResourceKind)}
}

// DepartmentRecord is one row of departmental feed data. Read-only to the
// engine; ingest generators snapshot these rows into fresh uploads.
type DepartmentRecord struct {
	ID        DepartmentRecordID `json:"id" goqu:"skipupdate" db:"department_record_id"`
	CreatedAt Time               `json:"created_at" goqu:"skipupdate" db:"department_record_created_at"`
	// Source identifies the department feed the row came from.
	Source            string  `json:"source" db:"department_record_source"`
	StudentID         string  `json:"student_id" db:"department_record_student_id"`
	StudentName       string  `json:"student_name" db:"department_record_student_name"`
	Class             string  `json:"class" db:"department_record_class"`
	Score             float64 `json:"score" db:"department_record_score"`
	AttendancePercent float64 `json:"attendance_percent" db:"department_record_attendance_percent"`
	Status            string  `json:"status" db:"department_record_status"`
	RecordedAt        Time    `json:"recorded_at" db:"department_record_recorded_at"`
}

func NewDepartmentRecord(now Time, source string) *DepartmentRecord {
	return &DepartmentRecord{
		ID:         NewDepartmentRecordID(),
		CreatedAt:  now,
		Source:     source,
		RecordedAt: now,
	}
}

func (m *DepartmentRecord) GetKind() ResourceKind {
	return DepartmentRecordResourceKind
}

func (m *DepartmentRecord) GetCreatedAt() Time {
	return m.CreatedAt
}

func (m *DepartmentRecord) GetID() ResourceID {
	return m.ID.ResourceID
}

func (m *DepartmentRecord) Validate() error {
	var result *multierror.Error
	if !m.ID.Valid() {
		result = multierror.Append(result, errors.New("error id must be set"))
	}
	if m.Source == "" {
		result = multierror.Append(result, errors.New("error source must be set"))
	}
	return result.ErrorOrNil()
}
