// Package chatbot drives a conversation against the relay and renders it.
package chatbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"AgentRelay/internal/relayclient"
	"AgentRelay/internal/session"
)

// CancelledStatus is emitted when a request is cancelled.
const CancelledStatus = "Cancelled."

// State is the controller's request state.
type State string

const (
	StateIdle          State = "idle"
	StateSending       State = "sending"
	StateIdleCancelled State = "idle-cancelled"
	StateIdleError     State = "idle-error"
)

// Streamer sends a conversation to the relay. *relayclient.Client
// satisfies it.
type Streamer interface {
	Stream(ctx context.Context, req relayclient.Request, onDelta func(string)) error
}

// request is one in-flight Send. mu makes delta emission and cancellation
// mutually exclusive.
type request struct {
	mu        sync.Mutex
	cancelled bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func (r *request) markCancelled() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
	r.cancel()
}

func (r *request) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Controller owns one conversation and keeps at most one request to the
// relay in flight.
type Controller struct {
	client      Streamer
	surface     Surface
	logger      *slog.Logger
	tracer      trace.Tracer
	relayURL    string
	enableTrace bool

	sendMu  sync.Mutex
	mu      sync.Mutex
	conv    *session.Conversation
	current *request
	state   State
}

// Option configures a Controller
type Option func(*Controller)

// WithTracer traces every request.
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

// WithConversation resumes an existing conversation.
func WithConversation(conv *session.Conversation) Option {
	return func(c *Controller) { c.conv = conv }
}

// WithTrace sets the enableTrace flag sent with each request.
func WithTrace(enabled bool) Option {
	return func(c *Controller) { c.enableTrace = enabled }
}

// NewController creates a controller. relayURL is only used in the message
// shown when the relay cannot be reached.
func NewController(client Streamer, surface Surface, relayURL string, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		client:      client,
		surface:     surface,
		logger:      logger,
		tracer:      tracenoop.NewTracerProvider().Tracer("chatbot"),
		relayURL:    relayURL,
		enableTrace: true,
		state:       StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.conv == nil {
		c.conv = session.New(session.DefaultSystemPrompt)
	}
	return c
}

// Send cancels any in-flight request, waits for it to finish, then starts
// streaming a reply to text. It returns once the new request is running.
// Blank input is ignored.
func (c *Controller) Send(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.cancelAndWait()

	reqCtx, cancel := context.WithCancel(ctx)
	req := &request{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	conv := c.conv
	c.current = req
	c.state = StateSending
	c.mu.Unlock()

	conv.Append(session.RoleUser, text)
	c.surface.Emit(UserMessage{Text: text})
	c.surface.Emit(AssistantStart{})

	go c.run(reqCtx, req, conv)
}

func (c *Controller) run(ctx context.Context, req *request, conv *session.Conversation) {
	defer close(req.done)
	defer req.cancel()

	ctx, span := c.tracer.Start(ctx, "chatbot.send")
	defer span.End()

	start := time.Now()
	sessionID := conv.ID()
	span.SetAttributes(attribute.String("session_id", sessionID))

	var reply strings.Builder
	chunks := 0
	err := c.client.Stream(ctx, relayclient.Request{
		Turns:       conv.Turns(),
		SessionID:   sessionID,
		EnableTrace: c.enableTrace,
	}, func(delta string) {
		req.mu.Lock()
		defer req.mu.Unlock()
		if req.cancelled {
			return
		}
		reply.WriteString(delta)
		chunks++
		c.surface.Emit(AppendResponse{Delta: delta})
	})

	var state State
	switch {
	case req.isCancelled() || errors.Is(err, context.Canceled):
		state = StateIdleCancelled
		c.surface.Emit(Status{Text: CancelledStatus})
		c.logger.Info("request cancelled", "session_id", sessionID, "chunks", chunks)
	case err != nil:
		state = StateIdleError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.surface.Emit(Error{Message: c.errorMessage(err)})
		c.logger.Error("request failed", "session_id", sessionID, "error", err)
	default:
		state = StateIdle
		conv.Append(session.RoleAssistant, reply.String())
		c.surface.Emit(AssistantComplete{})
		c.logger.Info("reply complete",
			"session_id", sessionID,
			"chunks", chunks,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	span.SetAttributes(attribute.Int("chunks", chunks), attribute.String("state", string(state)))

	c.mu.Lock()
	if c.current == req {
		c.state = state
	}
	c.mu.Unlock()
}

func (c *Controller) errorMessage(err error) string {
	var statusErr *relayclient.StatusError
	var streamErr *relayclient.StreamError
	switch {
	case errors.Is(err, relayclient.ErrServerUnreachable):
		return fmt.Sprintf("Cannot reach the relay server at %s. Is it running?", c.relayURL)
	case errors.As(err, &statusErr) && statusErr.Message != "":
		return statusErr.Message
	case errors.As(err, &streamErr):
		return streamErr.Message
	default:
		return err.Error()
	}
}

// Cancel aborts the in-flight request, if any. No AppendResponse is
// emitted after Cancel returns.
func (c *Controller) Cancel() {
	c.mu.Lock()
	req := c.current
	c.mu.Unlock()
	if req != nil {
		req.markCancelled()
	}
}

func (c *Controller) cancelAndWait() {
	c.mu.Lock()
	req := c.current
	c.mu.Unlock()
	if req == nil {
		return
	}
	req.markCancelled()
	<-req.done
}

// Wait blocks until the in-flight request, if any, has finished.
func (c *Controller) Wait() {
	c.mu.Lock()
	req := c.current
	c.mu.Unlock()
	if req != nil {
		<-req.done
	}
}

// Reset cancels any in-flight request and starts a fresh conversation with
// a new session id.
func (c *Controller) Reset() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.cancelAndWait()

	c.mu.Lock()
	id := c.conv.Reset()
	c.current = nil
	c.state = StateIdle
	c.mu.Unlock()

	c.logger.Info("conversation reset", "session_id", id)
	c.surface.Emit(Reset{SessionID: id})
}

// Transcript returns a copy of the conversation's turns.
func (c *Controller) Transcript() []session.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv.Turns()
}

// SessionID returns the current session id.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv.ID()
}

// SessionStart returns when the current session began.
func (c *Controller) SessionStart() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv.StartTime()
}

// State returns the current request state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
