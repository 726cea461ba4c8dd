package gerror

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodeMatching(t *testing.T) {
	base := NewErrNotFound("Upload not found")
	assert.True(t, IsNotFound(base))
	assert.False(t, IsTransient(base))

	// Wrapping with pkg/errors must not hide the code
	wrapped := errors.Wrap(base, "reading upload")
	assert.True(t, IsNotFound(wrapped))

	gErr := ToError(wrapped, ErrCodeNotFound)
	require.NotNil(t, gErr)
	assert.Equal(t, "Upload not found", gErr.Message())
}

func TestErrorDetails(t *testing.T) {
	err := NewErrPlanInvalid("unknown column in delete rule").
		IDetail("column", "student_nmae")
	assert.Contains(t, err.Error(), "column=student_nmae")
	assert.Equal(t, ErrCodePlanInvalid, err.Code())

	details := err.Details()
	require.Len(t, details, 1)
	assert.Equal(t, AudienceInternal, details["column"].Audience())
}

func TestErrorWrapKeepsInner(t *testing.T) {
	inner := errors.New("connection refused")
	err := NewErrTransient("queue store unreachable", nil).Wrap(inner)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "connection refused")
}
