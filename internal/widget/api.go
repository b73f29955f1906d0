// ABOUTME: HTTP client for the gateway's widget API
// ABOUTME: Wraps start, send, escalate, end and poll calls with typed errors

package widget

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/support-gateway/internal/contract"
)

const maxResponseBytes = 1 << 20

// APIError is a non-2xx response from the gateway.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// API talks to the gateway's widget endpoints.
type API struct {
	baseURL string
	client  *http.Client
}

// NewAPI creates a client for the gateway at baseURL. A nil httpClient uses
// one with a 90s timeout, long enough to outlast a full provider cascade.
func NewAPI(baseURL string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	return &API{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  httpClient,
	}
}

// PushURL returns the websocket endpoint matching the API's base URL.
func (a *API) PushURL() string {
	u := a.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/api/widget/ws"
}

// Start opens or resumes the session's conversation.
func (a *API) Start(ctx context.Context, req contract.StartRequest) (*contract.StartResponse, error) {
	var resp contract.StartResponse
	if err := a.do(ctx, http.MethodPost, "/api/widget/conversations", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Send posts one visitor message and returns the reply, if any.
func (a *API) Send(ctx context.Context, req contract.SendRequest) (*contract.SendResponse, error) {
	var resp contract.SendResponse
	if err := a.do(ctx, http.MethodPost, "/api/widget/messages", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Escalate hands the conversation to a human.
func (a *API) Escalate(ctx context.Context, conversationID, reason string) (*contract.EscalateResponse, error) {
	var resp contract.EscalateResponse
	path := "/api/widget/conversations/" + url.PathEscape(conversationID) + "/escalate"
	if err := a.do(ctx, http.MethodPost, path, contract.EscalateRequest{Reason: reason}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// End resolves the conversation with optional feedback.
func (a *API) End(ctx context.Context, conversationID string, req contract.EndRequest) (*contract.EndResponse, error) {
	var resp contract.EndResponse
	path := "/api/widget/conversations/" + url.PathEscape(conversationID) + "/end"
	if err := a.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Poll fetches messages created after since. A zero since fetches everything.
func (a *API) Poll(ctx context.Context, conversationID string, since time.Time) (*contract.PollResponse, error) {
	path := "/api/widget/conversations/" + url.PathEscape(conversationID) + "/messages"
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	var resp contract.PollResponse
	if err := a.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errorFromBody(resp.StatusCode, data)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func errorFromBody(status int, body []byte) error {
	var errResp contract.ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return &APIError{Status: status, Message: errResp.Error}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{Status: status, Message: msg}
}
