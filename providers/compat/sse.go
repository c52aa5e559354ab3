package compat

import (
	"bytes"
	"strings"
)

// doneSentinel is the literal data payload that terminates an SSE stream in
// the chat completions protocol.
const doneSentinel = "[DONE]"

// sseBuffer reassembles server-sent events from a byte stream. Raw reads
// arrive in arbitrary chunks that do not align with event boundaries, so
// bytes accumulate until a full blank-line-separated event is present; the
// trailing partial segment is retained and prepended to the next arrival.
type sseBuffer struct {
	buf []byte
}

// Feed appends raw bytes and returns the data payloads of every complete
// event now available, in arrival order. Comment lines and fields other than
// data are dropped per the SSE framing rules; multiple data lines in one
// event are joined with a newline.
func (b *sseBuffer) Feed(p []byte) []string {
	b.buf = append(b.buf, p...)
	var out []string
	for {
		sep, width := eventSeparator(b.buf)
		if sep < 0 {
			return out
		}
		segment := b.buf[:sep]
		b.buf = b.buf[sep+width:]
		if data, ok := parseEvent(segment); ok {
			out = append(out, data)
		}
	}
}

// Flush returns the data payload of any buffered trailing content that forms
// a parseable event without its terminating blank line. Used when the
// transport closes or the done sentinel is seen so buffered content is not
// lost.
func (b *sseBuffer) Flush() (string, bool) {
	segment := bytes.TrimSpace(b.buf)
	b.buf = nil
	if len(segment) == 0 {
		return "", false
	}
	return parseEvent(segment)
}

// eventSeparator finds the first double-newline boundary, tolerating both
// "\n\n" and "\r\n\r\n" framings. Returns the index and separator width, or
// -1 when no complete event is buffered.
func eventSeparator(buf []byte) (int, int) {
	lf := bytes.Index(buf, []byte("\n\n"))
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))
	switch {
	case lf < 0 && crlf < 0:
		return -1, 0
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return crlf, 4
	default:
		return lf, 2
	}
}

// parseEvent extracts the joined data payload from one event segment.
func parseEvent(segment []byte) (string, bool) {
	var data []string
	for _, line := range strings.Split(string(segment), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		value := strings.TrimPrefix(line, "data:")
		value = strings.TrimPrefix(value, " ")
		data = append(data, value)
	}
	if len(data) == 0 {
		return "", false
	}
	return strings.Join(data, "\n"), true
}
