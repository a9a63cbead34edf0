package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/livechat/internal/models"
)

// maxBulkDelete caps the ids accepted by one bulk delete.
const maxBulkDelete = 200

// GetHistory handles GET /chat/{roomId}?page&limit&sort.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	query := r.URL.Query()

	q := models.HistoryQuery{Order: models.SortOrder(query.Get("sort"))}
	if p, err := strconv.Atoi(query.Get("page")); err == nil {
		q.Page = p
	}
	if l, err := strconv.Atoi(query.Get("limit")); err == nil {
		q.Limit = l
	}

	page, err := h.chat.History(r.Context(), roomID, q)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, page)
}

// MarkRead handles PATCH /chat/read/{roomId}.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")

	n, err := h.chat.MarkRead(r.Context(), roomID)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, models.ReadReceipt{RoomID: roomID, Marked: n})
}

// PostManual handles POST /chat/manual.
func (h *Handler) PostManual(w http.ResponseWriter, r *http.Request) {
	var req models.ManualRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RoomID == "" {
		h.Error(w, http.StatusBadRequest, "room_id is required")
		return
	}

	msg, err := h.chat.ManualMessage(r.Context(), req, r.Header.Get(models.OperatorHeader))
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusCreated, msg)
}

// ArchiveRoom handles POST /chat/archive/{roomId}.
func (h *Handler) ArchiveRoom(w http.ResponseWriter, r *http.Request) {
	if err := h.chat.Archive(r.Context(), chi.URLParam(r, "roomId")); err != nil {
		h.ServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteMessage handles DELETE /chat/message/{id}.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.chat.DeleteMessage(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.ServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteMessages handles DELETE /chat/messages. Each id succeeds or fails on
// its own, so a partial result is still 200.
func (h *Handler) DeleteMessages(w http.ResponseWriter, r *http.Request) {
	var req models.DeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.IDs) > maxBulkDelete {
		h.Error(w, http.StatusUnprocessableEntity, "too many ids (max 200)")
		return
	}

	res, err := h.chat.DeleteMessages(r.Context(), req.IDs)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, res)
}
