package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/matheus3301/wppbak/internal/wa"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

type sessionStatus struct {
	Session      string `json:"session"`
	Status       string `json:"status"`
	Online       bool   `json:"online"`
	LoggedIn     bool   `json:"loggedIn"`
	PhoneNumber  string `json:"phoneNumber,omitempty"`
	UptimeMs     int64  `json:"uptimeMs"`
	ChatCount    int64  `json:"chatCount"`
	MessageCount int64  `json:"messageCount"`
	BackupCount  int    `json:"backupCount"`
	Pairing      bool   `json:"pairing"`
}

func (h *Handler) sessionStatus(w http.ResponseWriter, _ *http.Request) {
	resp := sessionStatus{
		Session:  h.SessionName,
		UptimeMs: time.Since(h.startedAt).Milliseconds(),
	}
	if h.Machine != nil {
		resp.Status = string(h.Machine.Current())
		resp.Online = h.Machine.Online()
	}
	if h.Session != nil {
		resp.LoggedIn = h.Session.IsLoggedIn()
		resp.PhoneNumber = h.Session.PhoneNumber()
		resp.Pairing = h.Session.CurrentQR() != ""
	}
	if h.DB != nil {
		if chats, msgs, err := h.DB.Counts(); err == nil {
			resp.ChatCount, resp.MessageCount = chats, msgs
		}
	}
	if h.Catalog != nil {
		resp.BackupCount = len(h.Catalog.List())
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) requireSession(w http.ResponseWriter) bool {
	if h.Session == nil {
		respondError(w, http.StatusServiceUnavailable, "whatsapp adapter not initialized")
		return false
	}
	return true
}

// startAuth begins QR pairing in the background. Codes are served by
// sessionQR and published on the event stream.
func (h *Handler) startAuth(w http.ResponseWriter, _ *http.Request) {
	if !h.requireSession(w) {
		return
	}
	if h.Session.IsLoggedIn() {
		respondError(w, http.StatusConflict, "already logged in")
		return
	}
	events, err := h.Session.StartQRAuth(h.bg)
	switch {
	case errors.Is(err, wa.ErrAuthInProgress):
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	default:
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			for evt := range events {
				h.Logger.Info("pairing event", zap.String("type", string(evt.Type)))
			}
		}()
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"qrUrl":   "/api/session/qr.png",
	})
}

// sessionQRCode returns the raw pairing code for terminal rendering.
func (h *Handler) sessionQRCode(w http.ResponseWriter, _ *http.Request) {
	if !h.requireSession(w) {
		return
	}
	code := h.Session.CurrentQR()
	if code == "" {
		respondError(w, http.StatusNotFound, "no pairing in progress")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"code": code})
}

func (h *Handler) sessionQR(w http.ResponseWriter, _ *http.Request) {
	if !h.requireSession(w) {
		return
	}
	code := h.Session.CurrentQR()
	if code == "" {
		respondError(w, http.StatusNotFound, "no pairing in progress")
		return
	}
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	if !h.requireSession(w) {
		return
	}
	if err := h.Session.Logout(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, "logout: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "message": "logged out"})
}
