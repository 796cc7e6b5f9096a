package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDirectory struct {
	users []string
	err   error
	calls int
}

func (s *stubDirectory) UsersByRole(ctx context.Context, roleID string) ([]string, error) {
	s.calls++
	return s.users, s.err
}

func (s *stubDirectory) UsersByProduct(ctx context.Context, productID string) ([]string, error) {
	s.calls++
	return s.users, s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDirectoryGuardPassesThrough(t *testing.T) {
	dir := &stubDirectory{users: []string{"u1", "u2"}}
	guard := NewDirectoryGuard(dir, 4, time.Second, testLogger())

	got, err := guard.UsersByRole(context.Background(), "role-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, got)

	got, err = guard.UsersByProduct(context.Background(), "prod-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, got)
}

func TestDirectoryGuardWrapsFailure(t *testing.T) {
	dir := &stubDirectory{err: errors.New("connection refused")}
	guard := NewDirectoryGuard(dir, 4, time.Second, testLogger())

	_, err := guard.UsersByRole(context.Background(), "role-1")
	assert.ErrorIs(t, err, ErrUserDirectoryUnavailable)
}

func TestDirectoryGuardBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	dir := &stubDirectory{err: errors.New("connection refused")}
	guard := NewDirectoryGuard(dir, 4, time.Second, testLogger())

	for range 5 {
		_, err := guard.UsersByRole(context.Background(), "role-1")
		require.ErrorIs(t, err, ErrUserDirectoryUnavailable)
	}
	callsBeforeOpen := dir.calls

	// The breaker is open now: calls short-circuit without reaching the stub.
	_, err := guard.UsersByProduct(context.Background(), "prod-1")
	assert.ErrorIs(t, err, ErrUserDirectoryUnavailable)
	assert.Equal(t, callsBeforeOpen, dir.calls)
}

func TestDirectoryGuardHonorsCancelledContext(t *testing.T) {
	dir := &stubDirectory{users: []string{"u1"}}
	guard := NewDirectoryGuard(dir, 1, time.Second, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := guard.UsersByRole(ctx, "role-1")
	assert.ErrorIs(t, err, ErrUserDirectoryUnavailable)
}
