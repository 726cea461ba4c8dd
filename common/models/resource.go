package models

import (
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

type Resource interface {
	// GetKind returns the unique name/type of the resource e.g. "upload" or "job".
	GetKind() ResourceKind
	// GetCreatedAt returns the Time at which this resource was created.
	GetCreatedAt() Time
	// GetID returns the globally unique ResourceID of the resource.
	GetID() ResourceID
	// Validate the model by checking for required fields, lengths and types etc.
	Validate() error
}

type ResourceKind string

func (s ResourceKind) String() string {
	return string(s)
}

func (s *ResourceKind) Scan(src interface{}) error {
	if src == nil {
		*s = ""
		return nil
	}
	t, ok := src.(string)
	if !ok {
		return fmt.Errorf("error expected string: %#v", src)
	}
	*s = ResourceKind(t)
	return nil
}

func (s ResourceKind) Value() (driver.Value, error) {
	return string(s), nil
}

// ResourceID is a globally unique identifier for a resource, made from the
// resource kind and a UUID, rendered as "kind:uuid".
type ResourceID struct {
	kind ResourceKind
	id   string
}

func NewResourceID(kind ResourceKind) ResourceID {
	return ResourceID{kind: kind, id: uuid.New().String()}
}

func ParseResourceID(str string) (ResourceID, error) {
	parts := strings.SplitN(str, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ResourceID{}, errors.Errorf("error parsing resource id %q", str)
	}
	return ResourceID{kind: ResourceKind(parts[0]), id: parts[1]}, nil
}

func (r ResourceID) Kind() ResourceKind {
	return r.kind
}

// UUID returns the bare UUID portion without the kind prefix. Used where the
// ID appears in file or key names and the ":" separator would be awkward.
func (r ResourceID) UUID() string {
	return r.id
}

func (r ResourceID) Valid() bool {
	return r.kind != "" && r.id != ""
}

func (r ResourceID) IsZero() bool {
	return !r.Valid()
}

func (r ResourceID) String() string {
	if !r.Valid() {
		return ""
	}
	return fmt.Sprintf("%s:%s", r.kind, r.id)
}

func (r *ResourceID) Scan(src interface{}) error {
	if src == nil {
		*r = ResourceID{}
		return nil
	}
	str, ok := src.(string)
	if !ok {
		return fmt.Errorf("error expected string: %#v", src)
	}
	if str == "" {
		*r = ResourceID{}
		return nil
	}
	id, err := ParseResourceID(str)
	if err != nil {
		return err
	}
	*r = id
	return nil
}

func (r ResourceID) Value() (driver.Value, error) {
	return r.String(), nil
}

func (r ResourceID) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", r.String())), nil
}

func (r *ResourceID) UnmarshalJSON(data []byte) error {
	str := strings.Trim(string(data), `"`)
	if str == "" || str == "null" {
		*r = ResourceID{}
		return nil
	}
	id, err := ParseResourceID(str)
	if err != nil {
		return err
	}
	*r = id
	return nil
}

type BaseResource struct {
	kind ResourceKind
	id   ResourceID
}

func NewBaseResource(kind ResourceKind, id ResourceID) *BaseResource {
	return &BaseResource{
		kind: kind,
		id:   id,
	}
}

func (m *BaseResource) GetID() ResourceID {
	return m.id
}

func (m *BaseResource) GetKind() ResourceKind {
	return m.kind
}

func (m *BaseResource) Validate() error {
	var result *multierror.Error
	if m.kind == "" {
		result = multierror.Append(result, errors.New("error resource kind must be set"))
	}
	if !m.id.Valid() {
		result = multierror.Append(result, errors.New("error resource id must be set"))
	}
	return result.ErrorOrNil()
}
