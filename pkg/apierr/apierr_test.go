package apierr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindInternal, "failed to write", cause)
	assert.Equal(t, "failed to write: disk full", err.Error())
	assert.Equal(t, cause, err.Unwrap())
}

func TestErrorMessageWithoutCause(t *testing.T) {
	err := New(KindNotFound, "session not found")
	assert.Equal(t, "session not found", err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestAsExtractsTypedError(t *testing.T) {
	wrapped := Wrap(KindConflict, "remote exists", nil)
	var outer error = errors.New("context: " + wrapped.Error())

	_, ok := As(outer)
	assert.False(t, ok)

	e, ok := As(wrapped)
	assert.True(t, ok)
	assert.Equal(t, KindConflict, e.Kind)
}

func TestKindOfDefaultsToInternalForPlainError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestKindOfReturnsWrappedKind(t *testing.T) {
	err := New(KindTimeout, "took too long")
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindNotFound:       http.StatusNotFound,
		KindRemoteNotFound: http.StatusNotFound,
		KindInvalidRequest: http.StatusBadRequest,
		KindUnauthorized:   http.StatusUnauthorized,
		KindConflict:       http.StatusConflict,
		KindSessionGone:    http.StatusGone,
		KindRemoteOffline:  http.StatusServiceUnavailable,
		KindTimeout:        http.StatusGatewayTimeout,
		KindInternal:       http.StatusInternalServerError,
		Kind("unknown"):    http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), "kind=%s", kind)
	}
}

func TestErrorIsWrappableWithStdlibErrors(t *testing.T) {
	sentinel := errors.New("not found on disk")
	err := Wrap(KindNotFound, "lookup failed", sentinel)
	assert.True(t, errors.Is(err, sentinel))
}
