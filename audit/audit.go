// Package audit defines the narrow sink contract through which the engine
// emits lifecycle events to an external audit system. Sink failures are
// counted and logged by the engine but never surface to callers.
package audit

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Event is one lifecycle record. Types mirror the engine transitions:
// admit, lease, ack, nack_requeue, nack_fail, lease_expired, lease_extended,
// lease_cancelled, gc, shutdown.
type Event struct {
	Time     time.Time `json:"time"`
	Type     string    `json:"type"`
	ItemID   string    `json:"item_id,omitempty"`
	LeaseID  string    `json:"lease_id,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`
	Priority string    `json:"priority,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	TraceID  string    `json:"trace_id,omitempty"`
}

// Sink receives events synchronously from inside the engine's serialization
// point. Implementations must be fast; anything that can block belongs
// behind Buffered.
type Sink interface {
	Emit(ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev Event) error

func (f SinkFunc) Emit(ev Event) error { return f(ev) }

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(Event) error { return nil }

// JSONLSink appends one JSON object per line to a file.
type JSONLSink struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	path string
}

func NewJSONLSink(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONLSink{f: f, enc: json.NewEncoder(f), path: path}, nil
}

func (s *JSONLSink) Emit(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(ev)
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
