// Package sse formats values as server-sent-event frames.
package sse

import (
	"encoding/json"
	"fmt"
)

// Marshal serializes v as JSON and wraps it in an SSE frame. When eventName
// is non-empty the frame carries an "event:" field.
func Marshal(v any, eventName string) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Frame(data, eventName), nil
}

// Frame wraps an already-serialized JSON payload in an SSE frame.
func Frame(data []byte, eventName string) []byte {
	if eventName != "" {
		return fmt.Appendf(nil, "event: %s\ndata: %s\n\n", eventName, data)
	}
	return fmt.Appendf(nil, "data: %s\n\n", data)
}
