// Package sse frames and parses the relay's Server-Sent Events stream.
//
// The relay emits three kinds of frames, each terminated by a blank line:
//
//	data: {"text": "<chunk>"}
//	data: [DONE]
//	: keep-alive
//
// An upstream failure after the stream has started is reported as
// data: {"error": "<message>"} and the stream ends without [DONE].
package sse

// DoneSentinel is the payload of the terminal frame.
const DoneSentinel = "[DONE]"

// ContentType is the media type of a relay stream.
const ContentType = "text/event-stream"

// TextEvent is the JSON payload of a delta frame.
type TextEvent struct {
	Text string `json:"text"`
}

// ErrorEvent is the JSON payload of an in-stream failure frame.
type ErrorEvent struct {
	Error string `json:"error"`
}

// Event is a decoded data payload; either field may be set.
type Event struct {
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}
