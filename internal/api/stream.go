package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/VedantPanchal23/Studio-sub001/internal/engine"
)

// SSEWriter writes server-sent events to an HTTP response.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter prepares an SSE stream. Returns an error if the
// ResponseWriter does not support flushing.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// SendEvent writes one named event with a string payload. Multi-line
// payloads get one data: line per line, per the SSE framing rules.
func (s *SSEWriter) SendEvent(event, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
		return err
	}
	for _, line := range strings.Split(data, "\n") {
		if _, err := fmt.Fprintf(s.w, "data: %s\n", line); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprint(s.w, "\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// SendJSON marshals v and writes it as a single event.
func (s *SSEWriter) SendJSON(event string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.SendEvent(event, string(payload))
}

// sseSink adapts an SSE stream to the execution output interface. The
// relay calls it from its own goroutines, so every write goes through
// the SSEWriter mutex. done is closed after the terminal status frame
// so the handler knows when the stream is complete.
type sseSink struct {
	sse  *SSEWriter
	done chan struct{}
	once sync.Once
}

func newSSESink(sse *SSEWriter) *sseSink {
	return &sseSink{sse: sse, done: make(chan struct{})}
}

func (s *sseSink) WriteChunk(stream string, data []byte) error {
	return s.sse.SendJSON(stream, chunkEvent{Data: string(data)})
}

func (s *sseSink) WriteStatus(rec engine.ExecutionRecord) error {
	err := s.sse.SendJSON("status", executionResponse(rec))
	s.once.Do(func() { close(s.done) })
	return err
}

// Done is closed once the terminal status event has been written.
func (s *sseSink) Done() <-chan struct{} { return s.done }

type chunkEvent struct {
	Data string `json:"data"`
}
