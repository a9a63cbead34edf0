package handlers

import (
	"net/http"
	"strconv"

	"github.com/eldtechnologies/livechat/internal/models"
)

// ListSessions handles GET /chat/sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.chat.Sessions(r.Context())
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, models.SessionList{Sessions: rooms, Total: len(rooms)})
}

// ListActiveSessions handles GET /chat/sessions/active.
func (h *Handler) ListActiveSessions(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.chat.ActiveSessions(r.Context())
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, models.SessionList{Sessions: rooms, Total: len(rooms)})
}

// ListArchived handles GET /chat/archived?limit.
func (h *Handler) ListArchived(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}
	if limit > 200 {
		limit = 200
	}

	snaps, err := h.chat.Archived(r.Context(), limit)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, models.ArchivedList{Sessions: snaps, Total: len(snaps)})
}

// ListEscalated handles GET /chat/escalated.
func (h *Handler) ListEscalated(w http.ResponseWriter, r *http.Request) {
	queue, err := h.chat.Escalations(r.Context())
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, models.EscalationList{Escalations: queue, Total: len(queue)})
}
