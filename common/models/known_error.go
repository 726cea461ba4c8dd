package models

import (
	"regexp"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const KnownErrorResourceKind ResourceKind = "known_error"

type KnownErrorID struct {
	ResourceID
}

func NewKnownErrorID() KnownErrorID {
	return KnownErrorID{ResourceID: NewResourceID(KnownErrorResourceKind)}
}

func KnownErrorIDFromResourceID(id ResourceID) KnownErrorID {
	return KnownErrorID{ResourceID: id}
}

// KnownError is a regex rule used to classify pipeline failures and
// optionally schedule bounded automatic retries.
type KnownError struct {
	ID        KnownErrorID `json:"id" goqu:"skipupdate" db:"known_error_id"`
	CreatedAt Time         `json:"created_at" goqu:"skipupdate" db:"known_error_created_at"`
	Name      string       `json:"name" db:"known_error_name"`
	// Pattern is matched case-insensitively against the raw failure message.
	Pattern          string   `json:"pattern" db:"known_error_pattern"`
	Severity         Severity `json:"severity" db:"known_error_severity"`
	Category         Category `json:"category" db:"known_error_category"`
	CorrectiveAction string   `json:"corrective_action,omitempty" db:"known_error_corrective_action"`
	RootCause        string   `json:"root_cause,omitempty" db:"known_error_root_cause"`
	AutoRetry        bool     `json:"auto_retry" db:"known_error_auto_retry"`
	MaxAutoRetries   int      `json:"max_auto_retries" db:"known_error_max_auto_retries"`
}

func NewKnownError(now Time, name string, pattern string, severity Severity, category Category) *KnownError {
	return &KnownError{
		ID:        NewKnownErrorID(),
		CreatedAt: now,
		Name:      name,
		Pattern:   pattern,
		Severity:  severity,
		Category:  category,
	}
}

func (m *KnownError) GetKind() ResourceKind {
	return KnownErrorResourceKind
}

func (m *KnownError) GetCreatedAt() Time {
	return m.CreatedAt
}

func (m *KnownError) GetID() ResourceID {
	return m.ID.ResourceID
}

func (m *KnownError) Validate() error {
	var result *multierror.Error
	if !m.ID.Valid() {
		result = multierror.Append(result, errors.New("error id must be set"))
	}
	if m.Name == "" {
		result = multierror.Append(result, errors.New("error name must be set"))
	}
	if m.Pattern == "" {
		result = multierror.Append(result, errors.New("error pattern must be set"))
	} else if _, err := regexp.Compile(m.Pattern); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "error pattern must be a valid regex"))
	}
	if !m.Severity.Valid() {
		result = multierror.Append(result, errors.Errorf("error invalid severity: %q", m.Severity))
	}
	if !m.Category.Valid() {
		result = multierror.Append(result, errors.Errorf("error invalid category: %q", m.Category))
	}
	if m.MaxAutoRetries < 0 {
		result = multierror.Append(result, errors.New("error max auto retries must not be negative"))
	}
	return result.ErrorOrNil()
}
