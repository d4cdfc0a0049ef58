package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/matheus3301/wppbak/internal/outbox"
	"github.com/matheus3301/wppbak/internal/store"
	"github.com/matheus3301/wppbak/internal/wa"
)

type sendRequest struct {
	ChatID string     `json:"chatId"`
	Body   string     `json:"body"`
	SendAt *time.Time `json:"sendAt,omitempty"`
}

type bulkRequest struct {
	ChatIDs        []string   `json:"chatIds"`
	Body           string     `json:"body"`
	SendAt         *time.Time `json:"sendAt,omitempty"`
	SpacingSeconds int        `json:"spacingSeconds,omitempty"`
}

type outboxView struct {
	ClientMsgID string `json:"clientMsgId"`
	ChatID      string `json:"chatId"`
	Body        string `json:"body"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	ServerMsgID string `json:"serverMsgId,omitempty"`
	Source      string `json:"source"`
	SendAt      int64  `json:"sendAt,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
}

func orZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func respondQueueError(w http.ResponseWriter, err error) {
	if errors.Is(err, outbox.ErrEmptyBody) || errors.Is(err, outbox.ErrNoRecipient) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id, err := outbox.Enqueue(h.DB, wa.NormalizeJID(req.ChatID), req.Body, orZero(req.SendAt), outbox.SourceAPI)
	if err != nil {
		respondQueueError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"success": true, "clientMsgId": id})
}

func (h *Handler) sendBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SpacingSeconds < 0 {
		respondError(w, http.StatusBadRequest, "spacingSeconds must not be negative")
		return
	}
	chats := make([]string, 0, len(req.ChatIDs))
	for _, id := range req.ChatIDs {
		chats = append(chats, wa.NormalizeJID(id))
	}
	ids, err := outbox.EnqueueBulk(h.DB, chats, req.Body, orZero(req.SendAt), time.Duration(req.SpacingSeconds)*time.Second)
	if err != nil {
		respondQueueError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"success": true, "clientMsgIds": ids})
}

func (h *Handler) listOutbox(w http.ResponseWriter, r *http.Request) {
	entries, err := h.DB.ListOutbox(queryInt(r, "limit", 100))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]outboxView, 0, len(entries))
	for _, e := range entries {
		views = append(views, toOutboxView(e))
	}
	respondJSON(w, http.StatusOK, map[string]any{"outbox": views})
}

func toOutboxView(e store.OutboxEntry) outboxView {
	return outboxView{
		ClientMsgID: e.ClientMsgID,
		ChatID:      e.ChatJID,
		Body:        e.Body,
		Status:      e.Status,
		Error:       e.ErrorMessage,
		ServerMsgID: e.ServerMsgID,
		Source:      e.Source,
		SendAt:      e.SendAt,
		CreatedAt:   e.CreatedAt,
	}
}
