package gerror

import (
	"errors"
)

const (
	ErrCodeInternal             Code = "Internal"
	ErrCodeValidationFailed     Code = "ValidationFailed"
	ErrCodeNotFound             Code = "NotFound"
	ErrCodeAlreadyExists        Code = "AlreadyExists"
	ErrCodeOptimisticLockFailed Code = "OptimisticLockFailed"
	ErrCodeTimeout              Code = "Timeout"

	// Engine error codes, aligned with the failure taxonomy of the
	// pipeline and scheduler.
	ErrCodeTransient          Code = "Transient"
	ErrCodeMalformedSchedule  Code = "MalformedSchedule"
	ErrCodeUnsupportedFormat  Code = "UnsupportedFormat"
	ErrCodeParseFailed        Code = "ParseFailed"
	ErrCodeSchemaValidation   Code = "SchemaValidation"
	ErrCodePlanInvalid        Code = "PlanInvalid"
	ErrCodeStageTimeout       Code = "StageTimeout"
	ErrCodeCallableUnresolved Code = "CallableUnresolved"
)

// ToError locates an Error in the provided error chain and returns it if it
// matches the provided code. Otherwise, returns nil.
func ToError(err error, code Code) *Error {
	if err == nil {
		return nil
	}
	var gErr Error
	if errors.As(err, &gErr) && gErr.Code() == code {
		return &gErr
	}
	return nil
}

func NewErrInternal(message string, err error) Error {
	return NewError(message, AudienceInternal, ErrCodeInternal, err)
}

func IsInternal(err error) bool {
	return ToError(err, ErrCodeInternal) != nil
}

func NewErrValidationFailed(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeValidationFailed, nil)
}

func IsValidationFailed(err error) bool {
	return ToError(err, ErrCodeValidationFailed) != nil
}

func NewErrNotFound(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeNotFound, nil)
}

func IsNotFound(err error) bool {
	return ToError(err, ErrCodeNotFound) != nil
}

func NewErrAlreadyExists(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeAlreadyExists, nil)
}

func IsAlreadyExists(err error) bool {
	return ToError(err, ErrCodeAlreadyExists) != nil
}

func NewErrOptimisticLockFailed(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeOptimisticLockFailed, nil)
}

func IsOptimisticLockFailed(err error) bool {
	return ToError(err, ErrCodeOptimisticLockFailed) != nil
}

func NewErrTimeout(description string) Error {
	return NewError("Timeout: "+description, AudienceInternal, ErrCodeTimeout, nil)
}

func IsTimeout(err error) bool {
	return ToError(err, ErrCodeTimeout) != nil
}

// NewErrTransient marks an error as transient; callers are expected to retry
// with backoff. Used for key/value store, database and file store outages.
func NewErrTransient(message string, err error) Error {
	return NewError(message, AudienceInternal, ErrCodeTransient, err)
}

func IsTransient(err error) bool {
	return ToError(err, ErrCodeTransient) != nil
}

func NewErrMalformedSchedule(message string, err error) Error {
	return NewError(message, AudienceExternal, ErrCodeMalformedSchedule, err)
}

func IsMalformedSchedule(err error) bool {
	return ToError(err, ErrCodeMalformedSchedule) != nil
}

func NewErrUnsupportedFormat(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeUnsupportedFormat, nil)
}

func IsUnsupportedFormat(err error) bool {
	return ToError(err, ErrCodeUnsupportedFormat) != nil
}

func NewErrParseFailed(message string, err error) Error {
	return NewError(message, AudienceExternal, ErrCodeParseFailed, err)
}

func IsParseFailed(err error) bool {
	return ToError(err, ErrCodeParseFailed) != nil
}

func NewErrSchemaValidation(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeSchemaValidation, nil)
}

func IsSchemaValidation(err error) bool {
	return ToError(err, ErrCodeSchemaValidation) != nil
}

func NewErrPlanInvalid(message string) Error {
	return NewError(message, AudienceExternal, ErrCodePlanInvalid, nil)
}

func IsPlanInvalid(err error) bool {
	return ToError(err, ErrCodePlanInvalid) != nil
}

func NewErrStageTimeout(stage string) Error {
	return NewError("Stage timed out: "+stage, AudienceInternal, ErrCodeStageTimeout, nil)
}

func IsStageTimeout(err error) bool {
	return ToError(err, ErrCodeStageTimeout) != nil
}

func NewErrCallableUnresolved(name string) Error {
	return NewError("Unknown callable: "+name, AudienceInternal, ErrCodeCallableUnresolved, nil)
}

func IsCallableUnresolved(err error) bool {
	return ToError(err, ErrCodeCallableUnresolved) != nil
}
