package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/livechat/internal/models"
)

type stubChat struct{}

func (stubChat) History(ctx context.Context, roomID string, q models.HistoryQuery) (*models.HistoryPage, error) {
	return &models.HistoryPage{RoomID: roomID}, nil
}
func (stubChat) MarkRead(ctx context.Context, roomID string) (int, error) { return 0, nil }
func (stubChat) ManualMessage(ctx context.Context, req models.ManualRequest, operator string) (*models.Message, error) {
	return &models.Message{ID: "m1", RoomID: req.RoomID}, nil
}
func (stubChat) Archive(ctx context.Context, roomID string) error   { return nil }
func (stubChat) DeleteMessage(ctx context.Context, id string) error { return nil }
func (stubChat) DeleteMessages(ctx context.Context, ids []string) (*models.DeleteResult, error) {
	return &models.DeleteResult{Deleted: ids}, nil
}
func (stubChat) Sessions(ctx context.Context) ([]models.Room, error)       { return nil, nil }
func (stubChat) ActiveSessions(ctx context.Context) ([]models.Room, error) { return nil, nil }
func (stubChat) Archived(ctx context.Context, limit int) ([]models.ArchivedSession, error) {
	return nil, nil
}
func (stubChat) Escalations(ctx context.Context) ([]models.EscalatedRoom, error) { return nil, nil }

func TestRouterRoutes(t *testing.T) {
	push := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	router := NewRouter(zerolog.Nop(), Deps{Chat: stubChat{}, Push: push})

	tests := []struct {
		method, path, body string
		code               int
	}{
		{http.MethodGet, "/", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodGet, "/ws", "", http.StatusTeapot},
		{http.MethodGet, "/chat/sessions", "", http.StatusOK},
		{http.MethodGet, "/chat/sessions/active", "", http.StatusOK},
		{http.MethodGet, "/chat/archived", "", http.StatusOK},
		{http.MethodGet, "/chat/escalated", "", http.StatusOK},
		{http.MethodGet, "/chat/room-1", "", http.StatusOK},
		{http.MethodPatch, "/chat/read/room-1", "", http.StatusOK},
		{http.MethodPost, "/chat/manual", `{"room_id":"room-1","message":"hi"}`, http.StatusCreated},
		{http.MethodPost, "/chat/archive/room-1", "", http.StatusNoContent},
		{http.MethodDelete, "/chat/message/m1", "", http.StatusNoContent},
		{http.MethodDelete, "/chat/messages", `{"ids":["m1"]}`, http.StatusOK},
		{http.MethodPut, "/chat/manual", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
		if tt.body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != tt.code {
			t.Errorf("%s %s: expected %d, got %d", tt.method, tt.path, tt.code, rec.Code)
		}
	}
}

func TestRouterSecurityHeadersAndCORS(t *testing.T) {
	router := NewRouter(zerolog.Nop(), Deps{Chat: stubChat{}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/sessions", nil))
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("missing security headers: %v", rec.Header())
	}

	req := httptest.NewRequest(http.MethodOptions, "/chat/read/room-1", nil)
	req.Header.Set("Origin", "https://support.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	req.Header.Set("Access-Control-Request-Headers", models.OperatorHeader)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("expected CORS preflight to allow origin, got %v", rec.Header())
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPatch) {
		t.Errorf("expected PATCH in allowed methods, got %q", rec.Header().Get("Access-Control-Allow-Methods"))
	}
}

func TestRouterWithoutPush(t *testing.T) {
	router := NewRouter(zerolog.Nop(), Deps{Chat: stubChat{}})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without a push handler, got %d", rec.Code)
	}
}
