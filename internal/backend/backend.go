package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"AgentRelay/internal/config"
)

var (
	// ErrUpstreamUnavailable means the agent returned no completion stream.
	ErrUpstreamUnavailable = errors.New("upstream agent returned no completion stream")
	// ErrUpstreamFailure wraps every error raised while invoking or reading the agent.
	ErrUpstreamFailure = errors.New("upstream agent failure")
)

// Request is one streaming invocation of the upstream agent
type Request struct {
	Prompt      string
	SessionID   string
	EnableTrace bool
}

// ChunkStream yields text chunks from one upstream session.
// Recv returns io.EOF once the stream is exhausted.
type ChunkStream interface {
	Recv(ctx context.Context) (string, error)
	Close() error
}

// Streamer opens upstream sessions. Every call opens a new session.
type Streamer interface {
	InvokeStream(ctx context.Context, req Request) (ChunkStream, error)
}

// New selects a backend by cfg.Upstream.Backend.
func New(ctx context.Context, cfg config.UpstreamConfig, logger *slog.Logger) (Streamer, error) {
	switch cfg.Backend {
	case config.BackendBedrock:
		return NewBedrockAgent(ctx, cfg, logger)
	case config.BackendEcho:
		return NewEchoAgent(cfg.EchoDelay), nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", cfg.Backend)
	}
}
