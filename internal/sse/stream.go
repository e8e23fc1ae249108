package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// KeepaliveInterval is the default period of keepalive comments
const KeepaliveInterval = 30 * time.Second

// ErrStreamingUnsupported is returned when the response cannot be flushed
var ErrStreamingUnsupported = errors.New("streaming not supported")

// Prepare sets the event stream headers and returns the flusher of w
func Prepare(w http.ResponseWriter) (http.Flusher, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable Nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, nil
}

// Stream writes messages to w until the request is cancelled or messages is
// closed. A keepalive comment is sent every keepalive; 0 uses KeepaliveInterval.
func Stream(w http.ResponseWriter, r *http.Request, flusher http.Flusher, messages <-chan Message, keepalive time.Duration) error {
	if keepalive <= 0 {
		keepalive = KeepaliveInterval
	}
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return nil

		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if err := WriteMessage(w, msg); err != nil {
				return err
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return fmt.Errorf("failed to write keepalive: %w", err)
			}
			flusher.Flush()
		}
	}
}

// WriteMessage writes msg in event stream format with its data as JSON
func WriteMessage(w io.Writer, msg Message) error {
	if msg.ID == 0 {
		msg.ID = time.Now().UnixNano()
	}

	data := []byte("{}")
	if msg.Data != nil {
		var err error
		data, err = json.Marshal(msg.Data)
		if err != nil {
			return fmt.Errorf("error marshaling SSE data: %w", err)
		}
	}

	if msg.Type != "" {
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", msg.ID, msg.Type, data); err != nil {
			return err
		}
		return nil
	}
	_, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", msg.ID, data)
	return err
}
