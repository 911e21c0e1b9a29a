package gateway

import (
	"errors"
	"net/http"

	"claude-bridge/internal/protocol"
)

var errStreamingUnsupported = errors.New("streaming not supported")

// sseWriter writes UI events as SSE data frames, flushing after each.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter sets the stream headers and commits the 200 response.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseWriter{w: w, flusher: flusher}, nil
}

// Send writes one event.
func (s *sseWriter) Send(ev protocol.Event) error {
	data, err := ev.MarshalSSE()
	if err != nil {
		return err
	}
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// SendAll writes events in order, stopping at the first failure.
func (s *sseWriter) SendAll(events []protocol.Event) error {
	for _, ev := range events {
		if err := s.Send(ev); err != nil {
			return err
		}
	}
	return nil
}
