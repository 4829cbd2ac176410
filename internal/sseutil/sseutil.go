// Package sseutil provides shared SSE (Server-Sent Events) line handling
// for the upstream completion stream and the downstream gateway writer.
package sseutil

import "bytes"

var (
	doneMarker  = []byte("[DONE]")
	dataPrefix  = []byte("data:")
	eventPrefix = []byte("event:")
)

// IsDone reports whether the line is the upstream end-of-stream marker,
// with or without the data: prefix.
func IsDone(line []byte) bool {
	trimmed := bytes.TrimSpace(line)
	if bytes.HasPrefix(trimmed, dataPrefix) {
		trimmed = bytes.TrimSpace(trimmed[len(dataPrefix):])
	}
	return bytes.Equal(trimmed, doneMarker)
}

// JSONPayload extracts the JSON payload from an SSE line.
// Returns nil for blank lines, the [DONE] marker, event: lines, and
// anything that does not start a JSON object.
func JSONPayload(line []byte) []byte {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil
	}
	if bytes.HasPrefix(trimmed, eventPrefix) {
		return nil
	}
	if bytes.HasPrefix(trimmed, dataPrefix) {
		trimmed = bytes.TrimSpace(trimmed[len(dataPrefix):])
	}
	if bytes.Equal(trimmed, doneMarker) {
		return nil
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	return trimmed
}
