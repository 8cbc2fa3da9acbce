package stream

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/m4xw311/nexus/errors"
)

// DefaultHeartbeat is the interval between keepalive comments.
const DefaultHeartbeat = 15 * time.Second

// SSEWriter writes frames as server-sent events: each frame is one
// "data: <json>" event, and the stream ends with "data: [DONE]". While open
// it sends a ": ping" comment every heartbeat interval.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewSSEWriter sets the event-stream headers, commits a 200 status and
// starts the heartbeat. A heartbeat <= 0 disables it.
func NewSSEWriter(w http.ResponseWriter, heartbeat time.Duration) *SSEWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := &SSEWriter{w: w, stop: make(chan struct{})}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
		f.Flush()
	}
	if heartbeat > 0 {
		s.wg.Add(1)
		go s.heartbeat(heartbeat)
	}
	return s
}

func (s *SSEWriter) WriteFrame(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal frame")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.writeLocked("data: " + string(data) + "\n\n")
}

// Close stops the heartbeat and writes the [DONE] sentinel. Safe to call
// more than once.
func (s *SSEWriter) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stop)
	err := s.writeLocked("data: [DONE]\n\n")
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *SSEWriter) heartbeat(every time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.mu.Lock()
			if !s.closed {
				_ = s.writeLocked(": ping\n\n")
			}
			s.mu.Unlock()
		}
	}
}

func (s *SSEWriter) writeLocked(chunk string) error {
	if _, err := io.WriteString(s.w, chunk); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
