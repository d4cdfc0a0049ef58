package api

import (
	"net/http"

	"github.com/matheus3301/wppbak/internal/backup"
	"github.com/matheus3301/wppbak/internal/store"
	"github.com/matheus3301/wppbak/internal/wa"
)

type chatView struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Type               backup.ChatType `json:"type"`
	LastMessageAt      int64           `json:"lastMessageAt"`
	LastMessagePreview string          `json:"lastMessagePreview"`
	UnreadCount        int             `json:"unreadCount"`
	Registered         bool            `json:"registered"`
}

// listChats lists mirrored chats so clients can pick one to register.
func (h *Handler) listChats(w http.ResponseWriter, r *http.Request) {
	limit := min(queryInt(r, "limit", 50), 500)
	offset := queryInt(r, "offset", 0)
	chats, err := h.DB.ListChats(limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list chats: "+err.Error())
		return
	}

	registered := make(map[string]bool)
	for _, e := range h.Catalog.List() {
		registered[e.ChatID] = true
	}
	views := make([]chatView, 0, len(chats))
	for _, c := range chats {
		views = append(views, toChatView(c, registered[c.JID]))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"chats":   views,
		"hasMore": len(chats) == limit,
	})
}

func toChatView(c store.Chat, registered bool) chatView {
	return chatView{
		ID:                 c.JID,
		Name:               c.Name,
		Type:               wa.ChatTypeOf(c.JID),
		LastMessageAt:      c.LastMessageAt,
		LastMessagePreview: c.LastMessagePreview,
		UnreadCount:        c.UnreadCount,
		Registered:         registered,
	}
}
