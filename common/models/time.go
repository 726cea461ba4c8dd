package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

const (
	timestampStorageFormat = "2006-01-02 15:04:05.999999-07:00"
)

// Time is a time.Time stored in UTC with microsecond precision, matching what
// the database round-trips.
type Time struct {
	time.Time
}

func NewTime(t time.Time) Time {
	// Postgres only handles microsecond precision for times, so round before
	// storing to ensure we read back a value with identical precision.
	return Time{Time: t.UTC().Round(time.Microsecond)}
}

func NewTimePtr(t time.Time) *Time {
	newTime := NewTime(t)
	return &newTime
}

func (s *Time) Scan(src interface{}) error {
	if src == nil {
		return nil
	}

	// Postgres returns time.Time for timestamp columns while SQLite returns string.
	switch t := src.(type) {
	case time.Time:
		*s = NewTime(t)
	case string:
		parsedTime, err := time.Parse(timestampStorageFormat, t)
		if err != nil {
			return errors.Wrap(err, "error parsing time")
		}
		*s = Time{Time: parsedTime.UTC()}
	default:
		return fmt.Errorf("unsupported type: %[1]T (%[1]v)", src)
	}

	return nil
}

// Value converts a time into a format that can be passed to the database, for
// example in a WHERE clause of a query.
func (s Time) Value() (driver.Value, error) {
	return s.Format(timestampStorageFormat), nil
}

// MillisSince returns the number of whole milliseconds elapsed between since
// and s, for recording run durations.
func (s Time) MillisSince(since Time) int64 {
	return s.Sub(since.Time).Milliseconds()
}
