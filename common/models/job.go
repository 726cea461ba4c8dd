package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const JobResourceKind ResourceKind = "job"

type JobID struct {
	ResourceID
}

func NewJobID() JobID {
	return JobID{ResourceID: NewResourceID(JobResourceKind)}
}

func JobIDFromResourceID(id ResourceID) JobID {
	return JobID{ResourceID: id}
}

type JobType string

const (
	JobTypePipeline    JobType = "pipeline"
	JobTypeIngest      JobType = "ingest"
	JobTypeMaintenance JobType = "maintenance"
)

func (t JobType) String() string {
	return string(t)
}

// JobConfig binds a job to a registered callable with its stored arguments.
// Callable is a symbolic "namespace.function" name resolved through the
// process-local callable registry at run time.
type JobConfig struct {
	Callable string                 `json:"callable"`
	Args     []interface{}          `json:"args,omitempty"`
	Kwargs   map[string]interface{} `json:"kwargs,omitempty"`
}

func (c *JobConfig) Scan(src interface{}) error {
	if src == nil {
		*c = JobConfig{}
		return nil
	}
	str, ok := src.(string)
	if !ok {
		return fmt.Errorf("error expected string: %#v", src)
	}
	if str == "" {
		*c = JobConfig{}
		return nil
	}
	return errors.Wrap(json.Unmarshal([]byte(str), c), "error parsing job config")
}

func (c JobConfig) Value() (driver.Value, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "error serializing job config")
	}
	return string(data), nil
}

// Job is a named unit of schedulable work. A job with a nil ScheduleCron is
// manual-trigger-only.
type Job struct {
	ID        JobID   `json:"id" goqu:"skipupdate" db:"job_id"`
	CreatedAt Time    `json:"created_at" goqu:"skipupdate" db:"job_created_at"`
	UpdatedAt Time    `json:"updated_at" db:"job_updated_at"`
	Name      string  `json:"name" db:"job_name"`
	JobType   JobType `json:"job_type" db:"job_type"`
	// Config identifies the callable to run and the arguments to pass it.
	Config JobConfig `json:"config" db:"job_config"`
	// ScheduleCron is a 5-field cron expression evaluated in the reference
	// zone, or nil for manual-trigger-only jobs.
	ScheduleCron *string `json:"schedule_cron,omitempty" db:"job_schedule_cron"`
}

func NewJob(now Time, name string, jobType JobType, config JobConfig, scheduleCron *string) *Job {
	return &Job{
		ID:           NewJobID(),
		CreatedAt:    now,
		UpdatedAt:    now,
		Name:         name,
		JobType:      jobType,
		Config:       config,
		ScheduleCron: scheduleCron,
	}
}

func (m *Job) GetKind() ResourceKind {
	return JobResourceKind
}

func (m *Job) GetCreatedAt() Time {
	return m.CreatedAt
}

func (m *Job) GetID() ResourceID {
	return m.ID.ResourceID
}

// IsScheduled returns true if the job has a cron schedule.
func (m *Job) IsScheduled() bool {
	return m.ScheduleCron != nil && *m.ScheduleCron != ""
}

func (m *Job) Validate() error {
	var result *multierror.Error
	if !m.ID.Valid() {
		result = multierror.Append(result, errors.New("error id must be set"))
	}
	if m.CreatedAt.IsZero() {
		result = multierror.Append(result, errors.New("error created at must be set"))
	}
	if m.Name == "" {
		result = multierror.Append(result, errors.New("error name must be set"))
	}
	if m.Config.Callable == "" {
		result = multierror.Append(result, errors.New("error config callable must be set"))
	}
	return result.ErrorOrNil()
}
