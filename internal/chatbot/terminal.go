package chatbot

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

const promptText = "You: "

// TerminalSurface renders signals as coloured text.
type TerminalSurface struct {
	mu     sync.Mutex
	w      io.Writer
	user   *color.Color
	bot    *color.Color
	status *color.Color
	errc   *color.Color
}

// NewTerminalSurface writes to w.
func NewTerminalSurface(w io.Writer) *TerminalSurface {
	return &TerminalSurface{
		w:      w,
		user:   color.New(color.FgGreen),
		bot:    color.New(color.FgCyan),
		status: color.New(color.FgYellow),
		errc:   color.New(color.FgRed, color.Bold),
	}
}

// Emit renders one signal.
func (t *TerminalSurface) Emit(s Signal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch s := s.(type) {
	case UserMessage:
		// the terminal already echoed the input line
	case AssistantStart:
		t.bot.Fprint(t.w, "Agent: ")
	case AppendResponse:
		fmt.Fprint(t.w, s.Delta)
	case AssistantComplete:
		fmt.Fprint(t.w, "\n\n")
		t.user.Fprint(t.w, promptText)
	case Error:
		fmt.Fprintln(t.w)
		t.errc.Fprintf(t.w, "Error: %s\n\n", s.Message)
		t.user.Fprint(t.w, promptText)
	case Status:
		fmt.Fprintln(t.w)
		t.status.Fprintf(t.w, "%s\n\n", s.Text)
		t.user.Fprint(t.w, promptText)
	case Reset:
		t.status.Fprintf(t.w, "Started new session: %s\n\n", s.SessionID)
	}
}

// Printf writes free-form text, such as command output.
func (t *TerminalSurface) Printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, format, args...)
}

// Prompt prints the input prompt.
func (t *TerminalSurface) Prompt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.user.Fprint(t.w, promptText)
}

// REPL reads user input from a terminal and drives a Controller. Input is
// read concurrently with streaming, so /cancel and new messages take effect
// while a reply is still arriving.
type REPL struct {
	ctrl       *Controller
	surface    *TerminalSurface
	in         io.Reader
	interrupts <-chan os.Signal
}

// NewREPL creates a REPL reading from in. Signals received on interrupts
// cancel the in-flight reply.
func NewREPL(ctrl *Controller, surface *TerminalSurface, in io.Reader, interrupts <-chan os.Signal) *REPL {
	return &REPL{ctrl: ctrl, surface: surface, in: in, interrupts: interrupts}
}

// Run processes input until EOF, /quit or ctx is done.
func (r *REPL) Run(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r.in)
		scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	r.surface.Printf("Session: %s\n", r.ctrl.SessionID())
	r.surface.Printf("Type /help for commands, /quit to exit\n\n")
	r.surface.Prompt()

	for {
		select {
		case <-ctx.Done():
			r.ctrl.Cancel()
			r.ctrl.Wait()
			return nil

		case <-r.interrupts:
			if r.ctrl.State() != StateSending {
				r.surface.Printf("\n")
				return nil
			}
			r.ctrl.Cancel()

		case line, ok := <-lines:
			if !ok {
				r.ctrl.Wait()
				r.surface.Printf("\nGoodbye!\n")
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if r.handle(ctx, line) {
				r.ctrl.Cancel()
				r.ctrl.Wait()
				r.surface.Printf("Goodbye!\n")
				return nil
			}
		}
	}
}

// handle processes one input line and reports whether to quit.
func (r *REPL) handle(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		if r.ctrl.State() != StateSending {
			r.surface.Prompt()
		}
		return false
	}

	if !strings.HasPrefix(input, "/") {
		r.ctrl.Send(ctx, input)
		return false
	}

	parts := strings.Fields(input)
	switch parts[0] {
	case "/quit", "/exit":
		return true

	case "/cancel":
		r.ctrl.Cancel()
		return false

	case "/reset":
		r.ctrl.Reset()

	case "/history":
		r.surface.Printf("Session %s, started %s\n", r.ctrl.SessionID(), r.ctrl.SessionStart().Format("2006-01-02 15:04:05"))
		for _, turn := range r.ctrl.Transcript() {
			r.surface.Printf("[%s] %s: %s\n", turn.Timestamp.Format("15:04:05"), turn.Role, turn.Content)
		}
		r.surface.Printf("\n")

	case "/help":
		r.surface.Printf("Available commands:\n")
		r.surface.Printf("  /quit, /exit  - Exit the chat\n")
		r.surface.Printf("  /cancel       - Stop the reply in progress\n")
		r.surface.Printf("  /reset        - Start a new session\n")
		r.surface.Printf("  /history      - Show the conversation so far\n")
		r.surface.Printf("  /help         - Show this help message\n\n")

	default:
		r.surface.Printf("Unknown command: %s\n", parts[0])
	}

	if r.ctrl.State() != StateSending {
		r.surface.Prompt()
	}
	return false
}
