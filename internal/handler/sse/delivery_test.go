package sse

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
	"github.com/webitel/broadcast-delivery-service/internal/domain/registry"
	"github.com/webitel/broadcast-delivery-service/internal/service"
)

type stubDeliverer struct {
	conn         registry.Connector
	subscribeErr error
	unsubscribed bool
}

func (s *stubDeliverer) Subscribe(ctx context.Context, userID, connID string) (registry.Connector, error) {
	if s.subscribeErr != nil {
		return nil, s.subscribeErr
	}
	return s.conn, nil
}

func (s *stubDeliverer) Unsubscribe(userID, connID string)                       { s.unsubscribed = true }
func (s *stubDeliverer) ReplayPending(ctx context.Context, c registry.Connector) {}
func (s *stubDeliverer) Push(ev event.Eventer) bool                              { return false }
func (s *stubDeliverer) PushAll(build func(userID string) event.Eventer)         {}
func (s *stubDeliverer) LocalUserIDs() []string                                  { return nil }
func (s *stubDeliverer) Stats() model.HubStats                                   { return model.HubStats{} }

func newHandler(d service.Deliverer) *SSEHandler {
	return NewSSEHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), d)
}

func TestSSERequiresUserID(t *testing.T) {
	h := newHandler(&stubDeliverer{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sse", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSSEConnectionLimitFrame(t *testing.T) {
	h := newHandler(&stubDeliverer{subscribeErr: service.ErrConnectionLimit})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sse?userId=user-1", nil))

	// A rejected client still gets a well-formed stream with one event.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event: CONNECTION_LIMIT_REACHED")
}

func TestSSESubscribeFailure(t *testing.T) {
	h := newHandler(&stubDeliverer{subscribeErr: errors.New("redis down")})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sse?userId=user-1", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSSEStreamsFramedEvents(t *testing.T) {
	conn := registry.NewConnector(context.Background(), "user-1", "conn-1", 16)
	require.True(t, conn.Send(event.NewRemovedEvent(42, "user-1"), time.Second))

	stub := &stubDeliverer{conn: conn}
	h := newHandler(stub)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/sse?userId=user-1&connectionId=conn-1", nil).WithContext(ctx)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req) // returns when the request context expires

	body := rec.Body.String()
	assert.Contains(t, body, "id: 42")
	assert.Contains(t, body, "event: MESSAGE_REMOVED")
	assert.Contains(t, body, `"kind":"MESSAGE_REMOVED"`)
	assert.True(t, stub.unsubscribed, "handler must release the session on exit")
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
}
