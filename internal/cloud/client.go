// Package cloud is the HTTP client for Lore's cloud sync API: pushing
// encrypted session batches, pulling remote sessions, and checking sync
// status. The server only ever sees ciphertext plus unencrypted display
// metadata (tool name, project path, timestamps, message count).
package cloud

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/varalys/lore/internal/errs"
)

// DefaultURL is the Lore cloud service used when no override is configured.
const DefaultURL = "https://app.lore.varalys.com"

// Client talks to the Lore cloud sync API over HTTPS.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// New creates a Client against baseURL, authenticating with apiKey.
func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

// SessionMetadata is the unencrypted, display-only half of a pushed or
// pulled session.
type SessionMetadata struct {
	ToolName     string     `json:"toolName"`
	ProjectPath  string     `json:"projectPath"`
	StartedAt    time.Time  `json:"startedAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	MessageCount int        `json:"messageCount"`
}

// PushSession is one session's encrypted payload plus display metadata, as
// sent to /api/sync/push.
type PushSession struct {
	ID            string          `json:"id"`
	MachineID     string          `json:"machineId"`
	EncryptedData string          `json:"encryptedData"`
	Metadata      SessionMetadata `json:"metadata"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// PullSession is the same shape, returned by /api/sync/pull.
type PullSession struct {
	ID            string          `json:"id"`
	MachineID     string          `json:"machineId"`
	EncryptedData string          `json:"encryptedData"`
	Metadata      SessionMetadata `json:"metadata"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

type pushRequest struct {
	Sessions []PushSession `json:"sessions"`
}

// PushResponse is the result of a successful push.
type PushResponse struct {
	SyncedCount int       `json:"syncedCount"`
	ServerTime  time.Time `json:"serverTime"`
}

// PullResponse is the result of a successful pull.
type PullResponse struct {
	Sessions   []PullSession `json:"sessions"`
	ServerTime time.Time     `json:"serverTime"`
}

// Status is the sync state reported by /api/sync/status.
type Status struct {
	SessionCount     int        `json:"sessionCount"`
	LastSyncAt       *time.Time `json:"lastSyncAt,omitempty"`
	StorageUsedBytes int64      `json:"storageUsedBytes"`
}

type apiResponse[T any] struct {
	Data T `json:"data"`
}

// Status fetches the caller's current sync state from the cloud.
func (c *Client) Status() (Status, error) {
	var out apiResponse[Status]
	if err := c.do(http.MethodGet, "/api/sync/status", nil, &out); err != nil {
		return Status{}, err
	}
	return out.Data, nil
}

// Push uploads a batch of encrypted sessions.
func (c *Client) Push(sessions []PushSession) (PushResponse, error) {
	var out apiResponse[PushResponse]
	if err := c.do(http.MethodPost, "/api/sync/push", pushRequest{Sessions: sessions}, &out); err != nil {
		return PushResponse{}, err
	}
	return out.Data, nil
}

// Pull downloads sessions updated since the given time. A zero time
// requests the full history.
func (c *Client) Pull(since time.Time) (PullResponse, error) {
	path := "/api/sync/pull"
	if !since.IsZero() {
		path += "?" + url.Values{"since": {since.UTC().Format(time.RFC3339)}}.Encode()
	}
	var out apiResponse[PullResponse]
	if err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return PullResponse{}, err
	}
	return out.Data, nil
}

// QuotaExceeded reports whether err indicates the account has hit its
// session quota, the signal the sync loop uses to stop a batch push early.
func QuotaExceeded(err error) bool {
	var se *ServerError
	if !errors.As(err, &se) {
		return false
	}
	if se.Status == http.StatusForbidden {
		lower := strings.ToLower(se.Message)
		if strings.Contains(lower, "limit") || strings.Contains(lower, "quota") {
			return true
		}
	}
	return false
}

// ServerError wraps a non-2xx response from the cloud service.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("cloud server error (%d): %s", e.Status, e.Message)
}

func (c *Client) do(method, path string, body, out any) error {
	if c.apiKey == "" {
		return fmt.Errorf("%w: not logged in, run 'lored login' first", errs.AuthError)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: cloud request failed: %v", errs.IoError, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response body: %v", errs.IoError, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ServerError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
