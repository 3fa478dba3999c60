package stream

import (
	"bytes"
)

var (
	lfBoundary   = []byte("\n\n")
	crlfBoundary = []byte("\r\n\r\n")
	dataPrefix   = []byte("data:")
	doneMarker   = []byte("[DONE]")
)

// lastEventEnd returns the offset just past the last complete event in buf,
// or 0 if buf holds no complete event.
func lastEventEnd(buf []byte) int {
	end := 0
	for {
		n := nextEventEnd(buf[end:])
		if n < 0 {
			return end
		}
		end += n
	}
}

// nextEventEnd returns the offset just past the first event terminator in
// buf, or -1.
func nextEventEnd(buf []byte) int {
	lf := bytes.Index(buf, lfBoundary)
	crlf := bytes.Index(buf, crlfBoundary)
	switch {
	case lf < 0 && crlf < 0:
		return -1
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return crlf + len(crlfBoundary)
	default:
		return lf + len(lfBoundary)
	}
}

// splitEvents calls fn for every complete event in buf.
func splitEvents(buf []byte, fn func(event []byte)) {
	for len(buf) > 0 {
		n := nextEventEnd(buf)
		if n < 0 {
			return
		}
		fn(buf[:n])
		buf = buf[n:]
	}
}

// eventData joins the data: lines of one event.
func eventData(event []byte) []byte {
	var out []byte
	seen := false
	for _, line := range bytes.Split(event, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		rest, ok := bytes.CutPrefix(line, dataPrefix)
		if !ok {
			continue
		}
		if seen {
			out = append(out, '\n')
		}
		seen = true
		out = append(out, bytes.TrimPrefix(rest, []byte(" "))...)
	}
	return out
}

// isDone reports whether an event payload is the terminal marker.
func isDone(data []byte) bool {
	return bytes.Equal(bytes.TrimSpace(data), doneMarker)
}
