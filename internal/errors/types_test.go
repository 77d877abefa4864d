package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	base := stderrors.New("boom")

	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(NewTransientError(base, "retry me")))
	assert.False(t, IsTransient(NewPermanentError(base, "give up")))

	// Classification survives wrapping.
	assert.True(t, IsTransient(fmt.Errorf("call failed: %w", NewTransientError(base, ""))))
	assert.False(t, IsTransient(fmt.Errorf("call failed: %w", NewPermanentError(base, ""))))

	assert.True(t, IsTransient(syscall.ECONNREFUSED))
	assert.True(t, IsTransient(syscall.ECONNRESET))
	assert.True(t, IsTransient(stderrors.New("request timeout exceeded")))
	assert.True(t, IsTransient(stderrors.New("unexpected EOF")))
	assert.False(t, IsTransient(stderrors.New("invalid api key")))
}

func TestMapHTTPError(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
	}
	for _, tc := range cases {
		err := MapHTTPError(tc.status, []byte("details"))
		assert.Equal(t, tc.transient, IsTransient(err), "status %d", tc.status)
	}
}

func TestMapHTTPErrorTruncatesBody(t *testing.T) {
	long := make([]byte, 1024)
	for i := range long {
		long[i] = 'x'
	}
	err := MapHTTPError(http.StatusBadRequest, long)

	var perm *PermanentError
	assert.True(t, stderrors.As(err, &perm))
	assert.Equal(t, http.StatusBadRequest, perm.StatusCode)
	assert.Less(t, len(perm.Err.Error()), 400, "body summary is bounded")
}

func TestErrorMessagePreference(t *testing.T) {
	base := stderrors.New("raw cause")
	assert.Equal(t, "friendly", NewTransientError(base, "friendly").Error())
	assert.Contains(t, NewTransientError(base, "").Error(), "raw cause")
	assert.Equal(t, base, stderrors.Unwrap(NewPermanentError(base, "m")))
}
