package backend

import (
	"context"
	"io"
	"time"
)

// EchoAgent streams the prompt back word by word. It needs no cloud access
// and backs local development of the panel and the relay.
type EchoAgent struct {
	delay time.Duration
}

// NewEchoAgent creates an echo backend pausing delay between chunks.
func NewEchoAgent(delay time.Duration) *EchoAgent {
	return &EchoAgent{delay: delay}
}

// InvokeStream returns a stream over the words of req.Prompt, each chunk
// keeping its trailing whitespace so the chunks concatenate to the prompt.
func (e *EchoAgent) InvokeStream(ctx context.Context, req Request) (ChunkStream, error) {
	return &sliceStream{chunks: splitWords(req.Prompt), delay: e.delay}, nil
}

func splitWords(s string) []string {
	var chunks []string
	start := 0
	inSpace := false
	for i, r := range s {
		space := r == ' ' || r == '\n' || r == '\t'
		if inSpace && !space {
			chunks = append(chunks, s[start:i])
			start = i
		}
		inSpace = space
	}
	if start < len(s) {
		chunks = append(chunks, s[start:])
	}
	return chunks
}

// sliceStream yields a fixed list of chunks.
type sliceStream struct {
	chunks []string
	next   int
	delay  time.Duration
}

func (s *sliceStream) Recv(ctx context.Context) (string, error) {
	if s.next >= len(s.chunks) {
		return "", io.EOF
	}
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return "", err
	}
	chunk := s.chunks[s.next]
	s.next++
	return chunk, nil
}

func (s *sliceStream) Close() error {
	s.next = len(s.chunks)
	return nil
}

var (
	_ Streamer = (*EchoAgent)(nil)
	_ Streamer = (*BedrockAgent)(nil)
)
