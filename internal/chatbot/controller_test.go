package chatbot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentRelay/internal/backend"
	"AgentRelay/internal/config"
	"AgentRelay/internal/relay"
	"AgentRelay/internal/relayclient"
	"AgentRelay/internal/session"
)

type recordingSurface struct {
	mu      sync.Mutex
	signals []Signal
}

func (r *recordingSurface) Emit(s Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, s)
}

func (r *recordingSurface) all() []Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Signal(nil), r.signals...)
}

// streamFunc adapts a function to Streamer.
type streamFunc func(ctx context.Context, req relayclient.Request, onDelta func(string)) error

func (f streamFunc) Stream(ctx context.Context, req relayclient.Request, onDelta func(string)) error {
	return f(ctx, req, onDelta)
}

func chunks(parts ...string) streamFunc {
	return func(ctx context.Context, req relayclient.Request, onDelta func(string)) error {
		for _, p := range parts {
			onDelta(p)
		}
		return nil
	}
}

// stalling emits first, reports it on started, then keeps trying to deliver
// "late" after cancellation the way a slow network read would.
func stalling(first string, started chan<- struct{}) streamFunc {
	return func(ctx context.Context, req relayclient.Request, onDelta func(string)) error {
		onDelta(first)
		started <- struct{}{}
		<-ctx.Done()
		onDelta("late")
		return ctx.Err()
	}
}

func TestController_StreamsReply(t *testing.T) {
	surface := &recordingSurface{}
	var sent relayclient.Request
	client := streamFunc(func(ctx context.Context, req relayclient.Request, onDelta func(string)) error {
		sent = req
		onDelta("Hel")
		onDelta("lo!")
		return nil
	})
	ctrl := NewController(client, surface, "http://localhost:8787", nil)

	ctrl.Send(context.Background(), "hi")
	ctrl.Wait()

	assert.Equal(t, []Signal{
		UserMessage{Text: "hi"},
		AssistantStart{},
		AppendResponse{Delta: "Hel"},
		AppendResponse{Delta: "lo!"},
		AssistantComplete{},
	}, surface.all())

	turns := ctrl.Transcript()
	require.Len(t, turns, 3)
	assert.Equal(t, session.RoleUser, turns[1].Role)
	assert.Equal(t, "hi", turns[1].Content)
	assert.Equal(t, session.RoleAssistant, turns[2].Role)
	assert.Equal(t, "Hello!", turns[2].Content)
	assert.Equal(t, StateIdle, ctrl.State())

	assert.Equal(t, ctrl.SessionID(), sent.SessionID)
	assert.True(t, sent.EnableTrace)
	last, ok := session.LatestUserTurn(sent.Turns)
	require.True(t, ok)
	assert.Equal(t, "hi", last.Content)
}

func TestController_IgnoresBlankInput(t *testing.T) {
	surface := &recordingSurface{}
	ctrl := NewController(chunks("x"), surface, "", nil)

	ctrl.Send(context.Background(), "   \n")
	ctrl.Wait()

	assert.Empty(t, surface.all())
	assert.Len(t, ctrl.Transcript(), 1)
	assert.Equal(t, StateIdle, ctrl.State())
}

func TestController_CancelMidStream(t *testing.T) {
	surface := &recordingSurface{}
	started := make(chan struct{}, 1)
	ctrl := NewController(stalling("one", started), surface, "", nil)

	ctrl.Send(context.Background(), "hi")
	<-started
	assert.Equal(t, StateSending, ctrl.State())

	ctrl.Cancel()
	ctrl.Wait()

	assert.Equal(t, []Signal{
		UserMessage{Text: "hi"},
		AssistantStart{},
		AppendResponse{Delta: "one"},
		Status{Text: CancelledStatus},
	}, surface.all())

	turns := ctrl.Transcript()
	require.Len(t, turns, 2, "no assistant turn after cancel")
	assert.Equal(t, session.RoleUser, turns[1].Role)
	assert.Equal(t, StateIdleCancelled, ctrl.State())
}

func TestController_SecondSendCancelsFirst(t *testing.T) {
	surface := &recordingSurface{}
	started := make(chan struct{}, 1)

	var calls int
	var mu sync.Mutex
	client := streamFunc(func(ctx context.Context, req relayclient.Request, onDelta func(string)) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return stalling("a", started)(ctx, req, onDelta)
		}
		return chunks("b")(ctx, req, onDelta)
	})
	ctrl := NewController(client, surface, "", nil)

	ctrl.Send(context.Background(), "first")
	<-started
	ctrl.Send(context.Background(), "second")
	ctrl.Wait()

	assert.Equal(t, []Signal{
		UserMessage{Text: "first"},
		AssistantStart{},
		AppendResponse{Delta: "a"},
		Status{Text: CancelledStatus},
		UserMessage{Text: "second"},
		AssistantStart{},
		AppendResponse{Delta: "b"},
		AssistantComplete{},
	}, surface.all())

	var contents []string
	for _, turn := range ctrl.Transcript()[1:] {
		contents = append(contents, string(turn.Role)+":"+turn.Content)
	}
	assert.Equal(t, []string{"user:first", "user:second", "assistant:b"}, contents)
	assert.Equal(t, StateIdle, ctrl.State())
}

func TestController_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "unreachable",
			err:  fmt.Errorf("%w: connection refused", relayclient.ErrServerUnreachable),
			want: "Cannot reach the relay server at http://localhost:8787. Is it running?",
		},
		{
			name: "status",
			err:  &relayclient.StatusError{Code: 500, Message: "upstream agent is not configured"},
			want: "upstream agent is not configured",
		},
		{
			name: "stream",
			err:  &relayclient.StreamError{Message: "agent is being throttled"},
			want: "agent is being throttled",
		},
		{
			name: "other",
			err:  errors.New("failed to read stream: unexpected EOF"),
			want: "failed to read stream: unexpected EOF",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			surface := &recordingSurface{}
			client := streamFunc(func(ctx context.Context, req relayclient.Request, onDelta func(string)) error {
				onDelta("par")
				return tt.err
			})
			ctrl := NewController(client, surface, "http://localhost:8787", nil)

			ctrl.Send(context.Background(), "hi")
			ctrl.Wait()

			assert.Equal(t, []Signal{
				UserMessage{Text: "hi"},
				AssistantStart{},
				AppendResponse{Delta: "par"},
				Error{Message: tt.want},
			}, surface.all())
			assert.Len(t, ctrl.Transcript(), 2, "no partial assistant turn")
			assert.Equal(t, StateIdleError, ctrl.State())
		})
	}
}

func TestController_Reset(t *testing.T) {
	surface := &recordingSurface{}
	ctrl := NewController(chunks("ok"), surface, "", nil)

	ctrl.Send(context.Background(), "hi")
	ctrl.Wait()
	oldID := ctrl.SessionID()

	ctrl.Reset()

	signals := surface.all()
	last, ok := signals[len(signals)-1].(Reset)
	require.True(t, ok)
	assert.NotEqual(t, oldID, last.SessionID)
	assert.Equal(t, last.SessionID, ctrl.SessionID())
	assert.Len(t, ctrl.Transcript(), 1)
	assert.Equal(t, StateIdle, ctrl.State())
}

func TestController_ResetCancelsInFlight(t *testing.T) {
	surface := &recordingSurface{}
	started := make(chan struct{}, 1)
	ctrl := NewController(stalling("one", started), surface, "", nil)

	ctrl.Send(context.Background(), "hi")
	<-started
	ctrl.Reset()

	signals := surface.all()
	require.Len(t, signals, 5)
	assert.Equal(t, Status{Text: CancelledStatus}, signals[3])
	assert.IsType(t, Reset{}, signals[4])
	assert.Len(t, ctrl.Transcript(), 1)
}

func TestController_ResumesConversation(t *testing.T) {
	var sent relayclient.Request
	client := streamFunc(func(ctx context.Context, req relayclient.Request, onDelta func(string)) error {
		sent = req
		return nil
	})
	conv := session.WithID("existing-session", session.DefaultSystemPrompt)
	ctrl := NewController(client, &recordingSurface{}, "", nil, WithConversation(conv), WithTrace(false))

	ctrl.Send(context.Background(), "hi")
	ctrl.Wait()

	assert.Equal(t, "existing-session", sent.SessionID)
	assert.False(t, sent.EnableTrace)
}

func TestController_AgainstRelay(t *testing.T) {
	cfg := config.Default()
	cfg.Upstream.Backend = config.BackendEcho
	cfg.Server.KeepAliveInterval = 0

	srv := httptest.NewServer(relay.NewServer(cfg, backend.NewEchoAgent(0), nil).Handler())
	defer srv.Close()

	surface := &recordingSurface{}
	ctrl := NewController(relayclient.New(srv.URL, nil), surface, srv.URL, nil)

	ctrl.Send(context.Background(), "hello relay")
	ctrl.Wait()

	assert.Equal(t, []Signal{
		UserMessage{Text: "hello relay"},
		AssistantStart{},
		AppendResponse{Delta: "hello "},
		AppendResponse{Delta: "relay"},
		AssistantComplete{},
	}, surface.all())
	turns := ctrl.Transcript()
	assert.Equal(t, "hello relay", turns[len(turns)-1].Content)
}

func TestREPL(t *testing.T) {
	color.NoColor = true

	var out bytes.Buffer
	surface := NewTerminalSurface(&out)
	ctrl := NewController(chunks("Hel", "lo!"), surface, "", nil)
	in := strings.NewReader("/help\n/bogus\n/history\nhi\n")

	err := NewREPL(ctrl, surface, in, nil).Run(context.Background())
	require.NoError(t, err)

	got := out.String()
	assert.Contains(t, got, "Session: "+ctrl.SessionID())
	assert.Contains(t, got, "/cancel")
	assert.Contains(t, got, "Unknown command: /bogus")
	assert.Contains(t, got, "Session "+ctrl.SessionID()+", started "+ctrl.SessionStart().Format("2006-01-02 15:04:05"))
	assert.Contains(t, got, "system: "+session.DefaultSystemPrompt)
	assert.Contains(t, got, "Agent: Hello!\n")
	assert.Contains(t, got, "Goodbye!")
	assert.Len(t, ctrl.Transcript(), 3)
}

func TestREPL_QuitCancelsInFlight(t *testing.T) {
	color.NoColor = true

	started := make(chan struct{}, 1)
	var out bytes.Buffer
	surface := NewTerminalSurface(&out)
	ctrl := NewController(stalling("one", started), surface, "", nil)

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- NewREPL(ctrl, surface, pr, nil).Run(context.Background()) }()

	_, _ = pw.Write([]byte("hi\n"))
	<-started
	_, _ = pw.Write([]byte("/quit\n"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("REPL did not exit")
	}
	assert.Equal(t, StateIdleCancelled, ctrl.State())
	assert.Contains(t, out.String(), CancelledStatus)
	_ = pw.Close()
}
