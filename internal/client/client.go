// Package client is a typed HTTP client for the daemon's local API.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/matheus3301/wppbak/internal/backup"
	"github.com/matheus3301/wppbak/internal/lock"
	"github.com/matheus3301/wppbak/internal/session"
)

// ErrNoPairing is returned by QRCode when no pairing is in progress.
var ErrNoPairing = errors.New("no pairing in progress")

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.Status, e.Message)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// Client talks to one daemon.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for the daemon listening on addr (host:port or URL).
func New(addr string) *Client {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Discover finds the address advertised in the session lock file.
func Discover(sessionName string) (*Client, error) {
	addr, err := lock.ReadAddr(session.Dir(sessionName))
	if err != nil {
		return nil, fmt.Errorf("daemon for session %q: %w", sessionName, err)
	}
	return New(addr), nil
}

// BaseURL returns the daemon URL.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// SessionStatus is the daemon's session summary.
type SessionStatus struct {
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

func (c *Client) Status(ctx context.Context) (*SessionStatus, error) {
	var st SessionStatus
	if err := c.do(ctx, http.MethodGet, "/api/session/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// StartAuth begins QR pairing. Joining a pairing already in progress is not
// an error.
func (c *Client) StartAuth(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/session/auth", nil, nil)
}

// QRCode returns the current pairing code.
func (c *Client) QRCode(ctx context.Context) (string, error) {
	var resp struct {
		Code string `json:"code"`
	}
	err := c.do(ctx, http.MethodGet, "/api/session/qr", nil, &resp)
	if StatusOf(err) == http.StatusNotFound {
		return "", ErrNoPairing
	}
	return resp.Code, err
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/session/logout", nil, nil)
}

func (c *Client) ListBackups(ctx context.Context) ([]backup.CatalogEntry, error) {
	var resp struct {
		Backups []backup.CatalogEntry `json:"backups"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/backup/list", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Backups, nil
}

// AddBackupRequest registers a chat by id or, when ChatID is empty, by name.
type AddBackupRequest struct {
	ChatType string `json:"chatType"`
	ChatName string `json:"chatName,omitempty"`
	ChatID   string `json:"chatId,omitempty"`
}

func (c *Client) AddBackup(ctx context.Context, req AddBackupRequest) (*backup.CatalogEntry, error) {
	var resp struct {
		Backup backup.CatalogEntry `json:"backup"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/backup/add", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Backup, nil
}

// BackupNow starts a run in the daemon and returns without waiting for it.
func (c *Client) BackupNow(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, "/api/backup/"+url.PathEscape(chatID)+"/backup-now", nil, nil)
}

// Progress returns the latest run's progress. Status is "not_started" when
// the chat has not run since the daemon started.
func (c *Client) Progress(ctx context.Context, chatID string) (*backup.Progress, error) {
	var p backup.Progress
	if err := c.do(ctx, http.MethodGet, "/api/backup/"+url.PathEscape(chatID)+"/progress", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// MessagesPage is one page of a chat snapshot, newest page first.
type MessagesPage struct {
	ChatID     string           `json:"chatId"`
	ChatName   string           `json:"chatName"`
	Messages   []backup.Message `json:"messages"`
	Page       int              `json:"page"`
	PageSize   int              `json:"pageSize"`
	Total      int              `json:"total"`
	TotalPages int              `json:"totalPages"`
}

func (c *Client) Messages(ctx context.Context, chatID string, page, pageSize int) (*MessagesPage, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		q.Set("pageSize", strconv.Itoa(pageSize))
	}
	path := "/api/backup/" + url.PathEscape(chatID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var p MessagesPage
	if err := c.do(ctx, http.MethodGet, path, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) People(ctx context.Context, chatID string) ([]backup.Person, error) {
	var resp struct {
		People []backup.Person `json:"people"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/backup/"+url.PathEscape(chatID)+"/people", nil, &resp); err != nil {
		return nil, err
	}
	return resp.People, nil
}

// Schedule is the nightly scheduler state; State is "disabled" when the
// daemon runs without one.
type Schedule struct {
	State       string     `json:"state"`
	NextRun     *time.Time `json:"nextRun"`
	LastRunDate string     `json:"lastRunDate,omitempty"`
}

func (c *Client) Schedule(ctx context.Context) (*Schedule, error) {
	var s Schedule
	if err := c.do(ctx, http.MethodGet, "/api/backup/schedule", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Send queues one message and returns its client id. A nil sendAt sends as
// soon as the outbox allows.
func (c *Client) Send(ctx context.Context, chatID, body string, sendAt *time.Time) (string, error) {
	req := map[string]any{"chatId": chatID, "body": body}
	if sendAt != nil {
		req["sendAt"] = sendAt
	}
	var resp struct {
		ClientMsgID string `json:"clientMsgId"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/messages", req, &resp); err != nil {
		return "", err
	}
	return resp.ClientMsgID, nil
}

// SendBulk queues body for every chat, spacing consecutive sends apart.
func (c *Client) SendBulk(ctx context.Context, chatIDs []string, body string, sendAt *time.Time, spacing time.Duration) ([]string, error) {
	req := map[string]any{
		"chatIds":        chatIDs,
		"body":           body,
		"spacingSeconds": int(spacing / time.Second),
	}
	if sendAt != nil {
		req["sendAt"] = sendAt
	}
	var resp struct {
		ClientMsgIDs []string `json:"clientMsgIds"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/messages/bulk", req, &resp); err != nil {
		return nil, err
	}
	return resp.ClientMsgIDs, nil
}

// OutboxEntry is a queued or sent message.
type OutboxEntry struct {
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

func (c *Client) Outbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	path := "/api/messages/outbox"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Outbox []OutboxEntry `json:"outbox"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Outbox, nil
}

// Chat is a mirrored chat as listed by the daemon.
type Chat struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Type               backup.ChatType `json:"type"`
	LastMessageAt      int64           `json:"lastMessageAt"`
	LastMessagePreview string          `json:"lastMessagePreview"`
	UnreadCount        int             `json:"unreadCount"`
	Registered         bool            `json:"registered"`
}

// Chats lists mirrored chats, most recent first. The bool reports whether
// more pages follow.
func (c *Client) Chats(ctx context.Context, limit, offset int) ([]Chat, bool, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/api/chats"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Chats   []Chat `json:"chats"`
		HasMore bool   `json:"hasMore"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, false, err
	}
	return resp.Chats, resp.HasMore, nil
}
