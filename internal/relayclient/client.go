// Package relayclient consumes the relay's SSE stream and turns it into
// incremental text deltas.
package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"AgentRelay/internal/session"
	"AgentRelay/internal/sse"
)

const readSize = 4096

// ErrServerUnreachable is returned when no response arrives from the relay.
var ErrServerUnreachable = errors.New("relay server unreachable")

// ErrNoUserTurn is returned when the request has nothing to send.
var ErrNoUserTurn = errors.New("no user turn to send")

// StatusError is a non-2xx answer from the relay.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("relay returned HTTP %d: %s", e.Code, e.Message)
}

// StreamError is an upstream failure reported inside the stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return "upstream failed: " + e.Message
}

// Request describes one turn sent to the relay.
type Request struct {
	Turns       []session.Turn
	SessionID   string
	EnableTrace bool
}

type chatStreamBody struct {
	Prompt      string `json:"prompt"`
	SessionID   string `json:"sessionId,omitempty"`
	EnableTrace bool   `json:"enableTrace"`
}

// Client talks to a relay server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for the relay at baseURL.
func New(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// no timeout, streams stay open as long as the agent keeps talking
		httpClient: &http.Client{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the relay address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health checks the relay's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

// Stream sends the latest user turn in req and calls onDelta for every text
// chunk the relay forwards. It returns nil once [DONE] arrives or the stream
// ends. No callback runs after ctx is cancelled.
func (c *Client) Stream(ctx context.Context, req Request, onDelta func(string)) error {
	turn, ok := session.LatestUserTurn(req.Turns)
	if !ok {
		return ErrNoUserTurn
	}

	body, err := json.Marshal(chatStreamBody{
		Prompt:      turn.Content,
		SessionID:   req.SessionID,
		EnableTrace: req.EnableTrace,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/stream", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", sse.ContentType)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}

	c.logger.Debug("stream opened", "session_id", resp.Header.Get("X-Session-Id"))
	return c.consume(ctx, resp.Body, onDelta)
}

func (c *Client) consume(ctx context.Context, body io.Reader, onDelta func(string)) error {
	var dec sse.Decoder
	buf := make([]byte, readSize)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, p := range dec.Feed(buf[:n]) {
				if p.IsDone() {
					return nil
				}
				ev, ok := p.Event()
				if !ok {
					c.logger.Debug("skipping malformed payload", "payload", string(p))
					continue
				}
				if ev.Error != "" {
					return &StreamError{Message: ev.Error}
				}
				if ev.Text == "" {
					continue
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				onDelta(ev.Text)
			}
		}

		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(readErr, io.EOF) {
				if dec.Buffered() > 0 {
					c.logger.Debug("stream ended mid-frame", "buffered", dec.Buffered())
				}
				return nil
			}
			return fmt.Errorf("failed to read stream: %w", readErr)
		}
	}
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}
