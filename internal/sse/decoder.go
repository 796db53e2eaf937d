package sse

import (
	"bytes"
	"encoding/json"
)

var frameSeparator = []byte("\n\n")

// Payload is the content of one data: line.
type Payload string

// IsDone reports whether p is the terminal sentinel.
func (p Payload) IsDone() bool {
	return string(p) == DoneSentinel
}

// Event decodes p as a JSON event. ok is false for malformed payloads.
func (p Payload) Event() (ev Event, ok bool) {
	if err := json.Unmarshal([]byte(p), &ev); err != nil {
		return Event{}, false
	}
	return ev, true
}

// Decoder reassembles frames from arbitrarily split reads. Bytes after the
// last blank line are kept until the next Feed completes the frame.
type Decoder struct {
	buf []byte
}

// Feed appends p to the carry-over buffer and returns the data payloads of
// every frame completed so far, in order.
func (d *Decoder) Feed(p []byte) []Payload {
	d.buf = append(d.buf, p...)

	var out []Payload
	for {
		idx := bytes.Index(d.buf, frameSeparator)
		if idx < 0 {
			break
		}
		out = append(out, parseFrame(d.buf[:idx])...)
		d.buf = d.buf[idx+len(frameSeparator):]
	}

	// drop the consumed prefix so the buffer doesn't grow across a long stream
	if len(d.buf) == 0 {
		d.buf = nil
	} else {
		d.buf = append([]byte(nil), d.buf...)
	}
	return out
}

// Buffered returns the number of bytes waiting for a frame boundary.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func parseFrame(frame []byte) []Payload {
	var out []Payload
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := line[len("data:"):]
		data = bytes.TrimPrefix(data, []byte(" "))
		out = append(out, Payload(data))
	}
	return out
}
