package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/eldtechnologies/livechat/internal/conversation"
	"github.com/eldtechnologies/livechat/internal/models"
)

// ChatService is the conversation logic behind the REST API.
type ChatService interface {
	History(ctx context.Context, roomID string, q models.HistoryQuery) (*models.HistoryPage, error)
	MarkRead(ctx context.Context, roomID string) (int, error)
	ManualMessage(ctx context.Context, req models.ManualRequest, operator string) (*models.Message, error)
	Archive(ctx context.Context, roomID string) error
	DeleteMessage(ctx context.Context, id string) error
	DeleteMessages(ctx context.Context, ids []string) (*models.DeleteResult, error)
	Sessions(ctx context.Context) ([]models.Room, error)
	ActiveSessions(ctx context.Context) ([]models.Room, error)
	Archived(ctx context.Context, limit int) ([]models.ArchivedSession, error)
	Escalations(ctx context.Context) ([]models.EscalatedRoom, error)
}

// Pinger is a dependency the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	chat  ChatService
	db    Pinger
	redis Pinger
}

// NewHandler creates a new Handler.
func NewHandler(chat ChatService, db, redis Pinger) *Handler {
	return &Handler{chat: chat, db: db, redis: redis}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// ServiceError maps a conversation error to a response.
func (h *Handler) ServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversation.ErrRoomNotFound), errors.Is(err, conversation.ErrMessageNotFound):
		h.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, conversation.ErrRoomArchived):
		h.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, conversation.ErrEmptyMessage), errors.Is(err, conversation.ErrNoIDs):
		h.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, conversation.ErrMessageTooLong):
		h.Error(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.Error(w, http.StatusInternalServerError, "internal error")
	}
}
