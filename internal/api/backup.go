package api

import (
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/matheus3301/wppbak/internal/backup"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func (h *Handler) listBackups(w http.ResponseWriter, _ *http.Request) {
	entries := h.Catalog.List()
	if entries == nil {
		entries = []backup.CatalogEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"backups": entries})
}

type addBackupRequest struct {
	ChatType string `json:"chatType"`
	ChatName string `json:"chatName"`
	ChatID   string `json:"chatId"`
}

func (h *Handler) addBackup(w http.ResponseWriter, r *http.Request) {
	var req addBackupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ChatID == "" && req.ChatName == "" {
		respondError(w, http.StatusBadRequest, "chatId or chatName is required")
		return
	}
	chatType, err := backup.ParseChatType(req.ChatType)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := h.Chats.FindChat(r.Context(), req.ChatID, req.ChatName)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if info == nil {
		respondError(w, http.StatusNotFound, "chat not found")
		return
	}
	if info.Type != chatType {
		respondError(w, http.StatusNotFound, "chat not found with type "+string(chatType))
		return
	}

	name := info.Name
	if req.ChatName != "" && (name == "" || name == info.ID) {
		name = req.ChatName
	}
	entry, err := h.Catalog.Add(info.ID, name, info.Type)
	if errors.Is(err, backup.ErrAlreadyRegistered) {
		respondError(w, http.StatusBadRequest, "chat already registered for backup")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.Logger.Info("chat registered for backup", zap.String("chat_id", entry.ChatID), zap.String("chat_type", string(entry.ChatType)))
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "backup": entry})
}

func (h *Handler) backupNow(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	entry, ok := h.Catalog.Get(chatID)
	if !ok {
		respondError(w, http.StatusNotFound, "chat is not registered for backup")
		return
	}
	if !h.claim(chatID) {
		respondError(w, http.StatusConflict, "backup already running")
		return
	}

	req := backup.Request{ChatID: entry.ChatID, ChatName: entry.ChatName, ChatType: entry.ChatType}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.release(chatID)
		if _, err := h.Runner.Run(h.bg, req); err != nil {
			h.Logger.Warn("backup-now failed", zap.String("chat_id", req.ChatID), zap.Error(err))
		}
	}()

	respondJSON(w, http.StatusAccepted, map[string]any{
		"success":     true,
		"message":     "backup started",
		"progressUrl": "/api/backup/" + url.PathEscape(chatID) + "/progress",
	})
}

// claim reserves chatID for one backup-now run. It fails while a run for
// the chat is accepted or in progress, including scheduled runs.
func (h *Handler) claim(chatID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.pending[chatID]; ok || h.Progress.Running(chatID) {
		return false
	}
	h.pending[chatID] = struct{}{}
	return true
}

func (h *Handler) release(chatID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, chatID)
}

func (h *Handler) backupProgress(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	p, ok := h.Progress.Get(chatID)
	if !ok {
		respondJSON(w, http.StatusOK, map[string]string{"chatId": chatID, "status": "not_started"})
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// page returns the page-th slice of msgs counting from the newest end. Each
// page keeps ascending order.
func page(msgs []backup.Message, page, size int) []backup.Message {
	end := len(msgs) - (page-1)*size
	if end <= 0 {
		return []backup.Message{}
	}
	start := end - size
	if start < 0 {
		start = 0
	}
	return msgs[start:end]
}

// queryInt reads a positive integer query parameter, or returns def.
func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 1 {
		return def
	}
	return v
}

func (h *Handler) loadSnapshot(w http.ResponseWriter, chatID string) *backup.Snapshot {
	snap, err := h.Snapshots.Load(chatID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return nil
	}
	if snap == nil {
		respondError(w, http.StatusNotFound, "no backup for chat")
		return nil
	}
	return snap
}

func (h *Handler) backupMessages(w http.ResponseWriter, r *http.Request) {
	snap := h.loadSnapshot(w, chi.URLParam(r, "chatId"))
	if snap == nil {
		return
	}
	p := queryInt(r, "page", 1)
	size := min(queryInt(r, "pageSize", defaultPageSize), maxPageSize)
	total := len(snap.Messages)
	respondJSON(w, http.StatusOK, map[string]any{
		"chatId":     snap.ChatID,
		"chatName":   snap.ChatName,
		"messages":   page(snap.Messages, p, size),
		"page":       p,
		"pageSize":   size,
		"total":      total,
		"totalPages": (total + size - 1) / size,
	})
}

func (h *Handler) backupPeople(w http.ResponseWriter, r *http.Request) {
	snap := h.loadSnapshot(w, chi.URLParam(r, "chatId"))
	if snap == nil {
		return
	}
	people := append([]backup.Person{}, snap.People...)
	sort.SliceStable(people, func(i, j int) bool {
		if people[i].MessageCount != people[j].MessageCount {
			return people[i].MessageCount > people[j].MessageCount
		}
		return people[i].Number < people[j].Number
	})
	respondJSON(w, http.StatusOK, map[string]any{"people": people})
}

func (h *Handler) backupSchedule(w http.ResponseWriter, _ *http.Request) {
	if h.Scheduler == nil {
		respondJSON(w, http.StatusOK, map[string]string{"state": "disabled"})
		return
	}
	respondJSON(w, http.StatusOK, h.Scheduler.Status())
}
