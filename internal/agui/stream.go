package agui

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
)

// ErrStreamClosed is returned by Emit after the stream was closed.
var ErrStreamClosed = errors.New("event stream closed")

// Sink receives the ordered events of one run. Close is called exactly once
// by the producer after the terminal event.
type Sink interface {
	Emit(ev Event) error
	Close() error
}

// Encode renders ev as one SSE frame: "data: <json>\n\n".
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("nil event")
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(b)+8)
	out = append(out, "data: "...)
	out = append(out, b...)
	out = append(out, '\n', '\n')
	return out, nil
}

// SSEStream writes events to an HTTP response as server-sent events and flushes after each frame.
type SSEStream struct {
	mu     sync.Mutex
	w      io.Writer
	f      http.Flusher
	closed bool
}

func NewSSEStream(w io.Writer) *SSEStream {
	var f http.Flusher
	if w != nil {
		if fl, ok := w.(http.Flusher); ok {
			f = fl
		}
	}
	return &SSEStream{w: w, f: f}
}

// PrepareHeaders sets the SSE response headers. Call before the first Emit.
func PrepareHeaders(w http.ResponseWriter) {
	if w == nil {
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

func (s *SSEStream) Emit(ev Event) error {
	if s == nil || s.w == nil {
		return errors.New("stream not ready")
	}
	frame, err := Encode(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStreamClosed
	}
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	if s.f != nil {
		s.f.Flush()
	}
	return nil
}

func (s *SSEStream) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	s.closed = true
	if s.f != nil {
		s.f.Flush()
	}
	return nil
}

// Closed reports whether Close was called.
func (s *SSEStream) Closed() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
