// Package jsonl decodes line-delimited JSON streams.
//
// Scanner tools interleave informational lines with data lines on the same
// stream in some configurations, so a line that fails to parse is skipped
// rather than failing the stream.
package jsonl

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// maxLineSize bounds a single record. Nuclei findings with embedded
// request/response dumps can run into the megabytes.
const maxLineSize = 16 * 1024 * 1024

// Decode reads r line by line, calling fn once per line that parses as a
// JSON value. Malformed lines are dropped silently. A trailing partial line
// without a terminating newline is attempted once at end of stream.
func Decode(r io.Reader, fn func(raw json.RawMessage)) error {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxLineSize)

	for s.Scan() {
		emit(s.Bytes(), fn)
	}
	return s.Err()
}

// Records parses buffered output (the runner accumulates stdout in memory)
// and returns every valid JSON line in order.
func Records(output string) []json.RawMessage {
	var records []json.RawMessage
	for _, line := range strings.Split(output, "\n") {
		emit([]byte(line), func(raw json.RawMessage) {
			records = append(records, raw)
		})
	}
	return records
}

// Unmarshal decodes every valid line of output into T, dropping lines that
// are valid JSON but do not fit the target shape.
func Unmarshal[T any](output string) []T {
	var out []T
	for _, raw := range Records(output) {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func emit(line []byte, fn func(raw json.RawMessage)) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return
	}
	if !json.Valid([]byte(trimmed)) {
		return
	}
	fn(json.RawMessage(trimmed))
}
