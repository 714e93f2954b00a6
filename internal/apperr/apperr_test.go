package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{InvalidArgument, 400},
		{Unauthenticated, 401},
		{PermissionDenied, 403},
		{NotFound, 404},
		{Conflict, 409},
		{ServiceUnavailable, 503},
		{Internal, 500},
		{Kind("unknown"), 500},
	}
	for _, tt := range tests {
		err := New(tt.kind, "boom")
		assert.Equal(t, tt.want, err.HTTPStatus(), "kind %v", tt.kind)
	}
}

func TestIs(t *testing.T) {
	err := New(NotFound, "missing")
	assert.True(t, Is(err, NotFound))
	assert.False(t, Is(err, Conflict))
	assert.False(t, Is(errors.New("plain"), NotFound))
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("db exploded")
	err := Wrap(Internal, "querying widgets", cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, "querying widgets: db exploded", err.Error())
}

func TestNewHasNoCause(t *testing.T) {
	err := New(Conflict, "already running")
	assert.Equal(t, "already running", err.Error())
	assert.Nil(t, errors.Unwrap(err))
}
