package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
)

// ErrUserDirectoryUnavailable is surfaced when the directory call fails or
// the breaker is open. The admit path maps it to 503; the base broadcast row
// is never rolled back because of it.
var ErrUserDirectoryUnavailable = errors.New("user directory unavailable")

// UserDirectory resolves role and product cohorts. It is an opaque external
// collaborator; resolution for a large product can take minutes.
type UserDirectory interface {
	UsersByRole(ctx context.Context, roleID string) ([]string, error)
	UsersByProduct(ctx context.Context, productID string) ([]string, error)
}

// DirectoryGuard wraps the UserDirectory with a circuit breaker and a
// bulkhead so a degraded directory cannot pile up goroutines or hammer a
// failing dependency.
type DirectoryGuard struct {
	dir     UserDirectory
	breaker *gobreaker.CircuitBreaker
	// [BULKHEAD] Caps concurrent in-flight directory calls.
	sem     *semaphore.Weighted
	timeout time.Duration
}

func NewDirectoryGuard(dir UserDirectory, maxInFlight int64, timeout time.Duration, logger *slog.Logger) *DirectoryGuard {
	if maxInFlight <= 0 {
		maxInFlight = 4
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "user-directory",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("BREAKER_STATE_CHANGED", "name", name, "from", from.String(), "to", to.String())
		},
	})

	return &DirectoryGuard{
		dir:     dir,
		breaker: breaker,
		sem:     semaphore.NewWeighted(maxInFlight),
		timeout: timeout,
	}
}

func (g *DirectoryGuard) call(ctx context.Context, fn func(ctx context.Context) ([]string, error)) ([]string, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: bulkhead: %v", ErrUserDirectoryUnavailable, err)
	}
	defer g.sem.Release(1)

	res, err := g.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(callCtx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: breaker open", ErrUserDirectoryUnavailable)
		}
		return nil, fmt.Errorf("%w: %v", ErrUserDirectoryUnavailable, err)
	}
	return res.([]string), nil
}

func (g *DirectoryGuard) UsersByRole(ctx context.Context, roleID string) ([]string, error) {
	return g.call(ctx, func(ctx context.Context) ([]string, error) {
		return g.dir.UsersByRole(ctx, roleID)
	})
}

func (g *DirectoryGuard) UsersByProduct(ctx context.Context, productID string) ([]string, error) {
	return g.call(ctx, func(ctx context.Context) ([]string, error) {
		return g.dir.UsersByProduct(ctx, productID)
	})
}
