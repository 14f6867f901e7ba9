package torrent

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnavailableError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *UnavailableError
		want string
	}{
		{
			name: "with HTTP status code",
			err:  &UnavailableError{Operation: "torrent-get", StatusCode: 502, Message: "bad gateway"},
			want: "torrent client unavailable during torrent-get (HTTP 502): bad gateway",
		},
		{
			name: "transport error",
			err:  &UnavailableError{Operation: "torrent-get", Message: "connection refused"},
			want: "torrent client unavailable during torrent-get: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrors_As(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	wrapped := fmt.Errorf("listing downloads: %w", &UnavailableError{Operation: "torrent-get", Message: "down", Err: cause})

	var unavailable *UnavailableError
	require.True(t, errors.As(wrapped, &unavailable))
	assert.Equal(t, "torrent-get", unavailable.Operation)
	assert.ErrorIs(t, wrapped, cause)

	authErr := fmt.Errorf("ctx: %w", &AuthenticationError{Operation: "auth.login"})

	var auth *AuthenticationError
	require.True(t, errors.As(authErr, &auth))
	assert.Equal(t, "authentication failed during auth.login", auth.Error())
	assert.Nil(t, errors.Unwrap(auth))
}

func TestRPCError(t *testing.T) {
	err := &RPCError{Method: "torrent-remove", Result: "invalid argument"}
	assert.Equal(t, "rpc torrent-remove failed: invalid argument", err.Error())
}
