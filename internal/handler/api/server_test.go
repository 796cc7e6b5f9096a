package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
	"github.com/webitel/broadcast-delivery-service/internal/domain/registry"
	"github.com/webitel/broadcast-delivery-service/internal/handler/lp"
	"github.com/webitel/broadcast-delivery-service/internal/handler/sse"
	"github.com/webitel/broadcast-delivery-service/internal/handler/ws"
	"github.com/webitel/broadcast-delivery-service/internal/service"
)

type stubLifecycle struct{}

func (stubLifecycle) Create(context.Context, service.CreateBroadcastInput) (*model.Broadcast, error) {
	return &model.Broadcast{}, nil
}
func (stubLifecycle) Cancel(context.Context, int64) (*model.Broadcast, error) {
	return &model.Broadcast{}, nil
}
func (stubLifecycle) Fail(context.Context, int64) error { return nil }
func (stubLifecycle) Get(context.Context, int64) (*model.Broadcast, error) {
	return &model.Broadcast{}, nil
}
func (stubLifecycle) List(context.Context, int) ([]model.Broadcast, error)       { return nil, nil }
func (stubLifecycle) ListScheduled(context.Context) ([]model.Broadcast, error)   { return nil, nil }
func (stubLifecycle) ListActive(context.Context) ([]model.Broadcast, error)      { return nil, nil }
func (stubLifecycle) Statistics(context.Context, int64) (*model.Statistics, error) {
	return &model.Statistics{}, nil
}
func (stubLifecycle) Deliveries(context.Context, int64) ([]model.UserMessage, error) {
	return nil, nil
}
func (stubLifecycle) ActivateReady(context.Context, int) (int, error)     { return 0, nil }
func (stubLifecycle) ActivateScheduled(context.Context, int) (int, error) { return 0, nil }
func (stubLifecycle) ExpireDue(context.Context, int) (int, error)         { return 0, nil }

type stubRedrive struct {
	redriveAll int
	redriveIDs []int64
}

func (s *stubRedrive) List(context.Context, int) ([]model.DLTMessage, error) { return nil, nil }
func (s *stubRedrive) Redrive(_ context.Context, id int64) error {
	s.redriveIDs = append(s.redriveIDs, id)
	return nil
}
func (s *stubRedrive) RedriveAll(context.Context) (*model.RedriveResult, error) {
	s.redriveAll++
	return &model.RedriveResult{}, nil
}
func (s *stubRedrive) Purge(context.Context, int64) error     { return nil }
func (s *stubRedrive) PurgeAll(context.Context) (int64, error) { return 0, nil }

type stubInboxService struct{}

func (stubInboxService) Assemble(context.Context, string) ([]model.InboxItem, error) {
	return nil, nil
}
func (stubInboxService) MarkRead(context.Context, string, int64) error { return nil }
func (stubInboxService) Content(context.Context, int64) (*model.Broadcast, error) {
	return &model.Broadcast{}, nil
}

type stubStreams struct{}

func (stubStreams) Subscribe(context.Context, string, string) (registry.Connector, error) {
	return nil, service.ErrConnectionLimit
}
func (stubStreams) Unsubscribe(string, string)                          {}
func (stubStreams) ReplayPending(context.Context, registry.Connector)   {}
func (stubStreams) Push(event.Eventer) bool                             { return false }
func (stubStreams) PushAll(func(userID string) event.Eventer)           {}
func (stubStreams) LocalUserIDs() []string                              { return nil }
func (stubStreams) Stats() model.HubStats                               { return model.HubStats{} }

func newTestRouter(t *testing.T) (http.Handler, *stubRedrive) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	redrive := &stubRedrive{}
	streams := stubStreams{}

	mux := NewRouter(
		NewBroadcastHandler(stubLifecycle{}, streams),
		NewDLTHandler(redrive),
		NewInboxHandler(stubInboxService{}),
		sse.NewSSEHandler(logger, streams),
		ws.NewWSHandler(logger, streams),
		lp.NewLPHandler(streams),
	)
	return mux, redrive
}

func TestRouterAdminSurface(t *testing.T) {
	mux, redrive := newTestRouter(t)

	cases := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodPost, "/api/v1/dlt/redrive-all", http.StatusOK},
		{http.MethodPost, "/api/v1/dlt/5/redrive", http.StatusNoContent},
		{http.MethodPost, "/api/v1/dlt/redrive", http.StatusNotFound}, // replaced by /redrive-all
		{http.MethodGet, "/api/v1/dlt", http.StatusOK},
		{http.MethodGet, "/api/v1/broadcasts/scheduled", http.StatusOK},
		{http.MethodGet, "/api/v1/broadcasts/active", http.StatusOK},
		{http.MethodGet, "/api/v1/hub/stats", http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
			assert.Equal(t, tc.want, rec.Code)
		})
	}

	assert.Equal(t, 1, redrive.redriveAll)
	assert.Equal(t, []int64{5}, redrive.redriveIDs)
}
