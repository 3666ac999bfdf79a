// Package backend speaks the opencode server's wire contract: a small
// REST surface per session plus a persistent event stream carrying
// framed, kind-tagged stream events.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"opdesk/internal/domain"
	"opdesk/internal/ports"
)

var (
	// ErrDisconnected means the transport to the backend was lost.
	ErrDisconnected = errors.New("backend connection lost")

	// ErrProtocol means the backend answered with something outside
	// the wire contract.
	ErrProtocol = errors.New("backend protocol error")
)

// SessionInfo mirrors the backend's session resource.
type SessionInfo struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Client is the REST side of the backend contract.
type Client struct {
	base   string
	http   *http.Client
	tokens ports.TokenSource
}

func NewClient(endpoint domain.Endpoint, tokens ports.TokenSource) *Client {
	return &Client{
		base:   endpoint.BaseURL(),
		http:   &http.Client{Timeout: 30 * time.Second},
		tokens: tokens,
	}
}

// CreateSession opens a new conversation on the backend.
func (c *Client) CreateSession(ctx context.Context, title string) (SessionInfo, error) {
	var info SessionInfo
	body := map[string]string{}
	if title != "" {
		body["title"] = title
	}
	if err := c.do(ctx, http.MethodPost, "/session", body, &info); err != nil {
		return SessionInfo{}, err
	}
	if info.ID == "" {
		return SessionInfo{}, fmt.Errorf("%w: session response missing id", ErrProtocol)
	}
	return info, nil
}

// DeleteSession tears a conversation down on the backend.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/session/"+id, nil, nil)
}

// SendMessage issues one request under the given sequence number. The
// backend tags every stream event for this request with the same
// sequence.
func (c *Client) SendMessage(ctx context.Context, id string, text string, seq uint64) error {
	body := map[string]any{
		"seq": seq,
		"parts": []map[string]string{
			{"type": "text", "text": text},
		},
	}
	return c.do(ctx, http.MethodPost, "/session/"+id+"/message", body, nil)
}

// Abort cancels the in-flight request of a session.
func (c *Client) Abort(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/session/"+id+"/abort", nil, nil)
}

func (c *Client) do(ctx context.Context, method string, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s %s returned status %d", ErrProtocol, method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrProtocol, err)
	}
	return nil
}

// authorize injects the current credential. Absence of a token is a
// valid, local-only state.
func (c *Client) authorize(ctx context.Context, req *http.Request) {
	if c.tokens == nil {
		return
	}
	if token, ok := c.tokens.Token(ctx); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
