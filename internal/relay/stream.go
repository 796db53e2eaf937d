package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"AgentRelay/internal/backend"
	"AgentRelay/internal/ledger"
	"AgentRelay/internal/session"
	"AgentRelay/internal/sse"
)

// ErrInvalidRequest marks a malformed chat stream request.
var ErrInvalidRequest = errors.New("invalid request")

// ValidationError describes why a request body was rejected.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return ErrInvalidRequest }

// maxRequestBytes caps the chat stream request body.
const maxRequestBytes = 1 << 20

const (
	outcomeRejected     = "rejected"
	outcomeCompleted    = ledger.OutcomeCompleted
	outcomeFailed       = ledger.OutcomeFailed
	outcomeDisconnected = ledger.OutcomeDisconnected
)

// ChatStreamRequest is the JSON request body for POST /v1/chat/stream.
type ChatStreamRequest struct {
	Prompt      string `json:"prompt"`
	SessionID   string `json:"sessionId,omitempty"`
	EnableTrace *bool  `json:"enableTrace,omitempty"`
}

// parseChatStreamRequest decodes and validates the body. The prompt must be
// non-empty after trimming.
func parseChatStreamRequest(r io.Reader) (*ChatStreamRequest, error) {
	var req ChatStreamRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &ValidationError{Message: "request body too large"}
		}
		return nil, &ValidationError{Message: "invalid JSON body"}
	}

	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &ValidationError{Message: "prompt is required"}
	}

	return &req, nil
}

// streamResult summarises one relayed stream.
type streamResult struct {
	chunks int
	bytes  int
	err    error
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "relay.chat_stream")
	defer span.End()

	start := time.Now()

	// configuration is checked before the body so a misconfigured relay
	// always answers 500
	if err := s.cfg.Upstream.Validate(); err != nil {
		s.logger.Error("upstream agent not configured", "error", err)
		s.reject(ctx, span, err)
		s.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	req, err := parseChatStreamRequest(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		s.reject(ctx, span, err)
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = session.NewID()
	}
	enableTrace := true
	if req.EnableTrace != nil {
		enableTrace = *req.EnableTrace
	}
	span.SetAttributes(attribute.String("session_id", sessionID), attribute.Bool("enable_trace", enableTrace))

	sw, err := sse.NewWriter(w)
	if err != nil {
		s.logger.Error("streaming not supported")
		s.reject(ctx, span, err)
		s.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// open the upstream session before committing to an event stream so
	// failures here still get a real status code
	stream, err := s.upstream.InvokeStream(ctx, backend.Request{
		Prompt:      req.Prompt,
		SessionID:   sessionID,
		EnableTrace: enableTrace,
	})
	if err != nil {
		s.logger.Error("failed to open upstream stream", "session_id", sessionID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.request(ctx, outcomeFailed)
		s.metrics.streamDuration(ctx, time.Since(start), outcomeFailed)
		s.record(ctx, sessionID, start, streamResult{err: err}, outcomeFailed)
		s.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer stream.Close()

	sse.PrepareHeaders(w.Header())
	w.Header().Set("X-Session-Id", sessionID)
	w.WriteHeader(http.StatusOK)
	sw.Flush()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := sw.Padding(s.cfg.Server.PaddingBytes); err != nil {
		cancel()
	}

	stopKeepAlive := s.startKeepAlive(ctx, sw, cancel)
	defer stopKeepAlive()

	s.logger.Info("stream started", "session_id", sessionID)
	result := s.relayChunks(ctx, stream, sw)
	stopKeepAlive()

	outcome := outcomeCompleted
	switch {
	case result.err == nil:
		if err := sw.Done(); err != nil {
			outcome = outcomeDisconnected
			result.err = err
		}
	case sw.Err() != nil || r.Context().Err() != nil:
		outcome = outcomeDisconnected
		s.logger.Info("client disconnected", "session_id", sessionID, "chunks", result.chunks)
	default:
		outcome = outcomeFailed
		s.logger.Error("upstream stream failed", "session_id", sessionID, "chunks", result.chunks, "error", result.err)
		span.RecordError(result.err)
		span.SetStatus(codes.Error, result.err.Error())
		if err := sw.Error(result.err.Error()); err != nil {
			s.logger.Debug("error frame write failed", "session_id", sessionID, "error", err)
		}
	}

	span.SetAttributes(
		attribute.Int("chunks", result.chunks),
		attribute.Int("bytes", result.bytes),
		attribute.String("outcome", outcome),
	)
	s.metrics.request(ctx, outcome)
	s.metrics.streamDuration(ctx, time.Since(start), outcome)
	s.record(ctx, sessionID, start, result, outcome)

	s.logger.Info("stream finished",
		"session_id", sessionID,
		"outcome", outcome,
		"chunks", result.chunks,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// relayChunks forwards each upstream chunk as its own frame until the
// upstream is exhausted, fails, or the client goes away.
func (s *Server) relayChunks(ctx context.Context, stream backend.ChunkStream, sw *sse.Writer) streamResult {
	var res streamResult
	for {
		chunk, err := stream.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return res
		}
		if err != nil {
			res.err = err
			return res
		}

		if err := sw.Text(chunk); err != nil {
			res.err = err
			return res
		}
		res.chunks++
		res.bytes += len(chunk)
		s.metrics.chunk(ctx)
	}
}

// startKeepAlive writes a comment frame every KeepAliveInterval. A failed
// write cancels the stream. The returned stop func is idempotent and returns
// only after the goroutine has exited.
func (s *Server) startKeepAlive(ctx context.Context, sw *sse.Writer, cancel context.CancelFunc) func() {
	interval := s.cfg.Server.KeepAliveInterval
	if interval <= 0 {
		return func() {}
	}

	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := sw.Comment("keep-alive"); err != nil {
					s.logger.Debug("keep-alive write failed", "error", err)
					cancel()
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
		})
	}
}

func (s *Server) reject(ctx context.Context, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.metrics.request(ctx, outcomeRejected)
}

func (s *Server) record(ctx context.Context, sessionID string, start time.Time, res streamResult, outcome string) {
	if s.recorder == nil {
		return
	}

	entry := ledger.Entry{
		SessionID: sessionID,
		StartedAt: start,
		Duration:  time.Since(start),
		Chunks:    res.chunks,
		Bytes:     res.bytes,
		Outcome:   outcome,
	}
	if res.err != nil && outcome != outcomeCompleted {
		entry.Error = res.err.Error()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if _, err := s.recorder.Record(ctx, entry); err != nil {
		s.logger.Warn("failed to record stream", "session_id", sessionID, "error", err)
	}
}
