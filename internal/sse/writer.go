package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("streaming not supported")

// Writer writes SSE frames and flushes after each one. It is safe for
// concurrent use; frames from different goroutines never interleave.
// After the first failed write every call returns that error.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	err     error
}

// NewWriter wraps w, which must implement http.Flusher.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// PrepareHeaders sets the event-stream headers, including the hint that
// disables proxy buffering.
func PrepareHeaders(h http.Header) {
	h.Set("Content-Type", ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

func (w *Writer) write(frame string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return w.err
	}
	if _, err := io.WriteString(w.w, frame); err != nil {
		w.err = fmt.Errorf("failed to write frame: %w", err)
		return w.err
	}
	w.flusher.Flush()
	return nil
}

// Flush sends buffered headers to the client.
func (w *Writer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flusher.Flush()
}

// Comment writes a comment frame. Clients ignore it.
func (w *Writer) Comment(text string) error {
	return w.write(": " + text + "\n\n")
}

// Padding writes a comment frame of n spaces so intermediaries that buffer
// small responses start forwarding immediately.
func (w *Writer) Padding(n int) error {
	if n <= 0 {
		return nil
	}
	return w.write(":" + strings.Repeat(" ", n) + "\n\n")
}

// Data writes v as a JSON data frame.
func (w *Writer) Data(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal SSE data: %w", err)
	}
	return w.write("data: " + string(payload) + "\n\n")
}

// Text writes a delta frame.
func (w *Writer) Text(chunk string) error {
	return w.Data(TextEvent{Text: chunk})
}

// Error writes an in-stream failure frame.
func (w *Writer) Error(message string) error {
	return w.Data(ErrorEvent{Error: message})
}

// Done writes the terminal frame.
func (w *Writer) Done() error {
	return w.write("data: " + DoneSentinel + "\n\n")
}

// Err returns the first write error, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}
