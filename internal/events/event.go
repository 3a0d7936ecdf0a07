package events

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Lifecycle event types.
const (
	TypeStaged          = "staged"
	TypeTokenReceived   = "token_received"
	TypeVerified        = "verified"
	TypeVerifyFailed    = "verify_failed"
	TypeReady           = "ready"
	TypeTimeout         = "timeout"
	TypeExtended        = "extended"
	TypeAssertion       = "assertion_issued"
	TypeDeleted         = "deleted"
	TypeReclaimed       = "reclaimed"
	TypeCancelled       = "cancelled"
	TypeCancelFailed    = "cancel_failed"
	TypeProvisionFailed = "provision_failed"
)

// Terminal reports whether an event of type t follows the removal of the
// account's record, after which its stream no longer exists.
func Terminal(t string) bool {
	switch t {
	case TypeDeleted, TypeReclaimed, TypeCancelled, TypeCancelFailed:
		return true
	}
	return false
}

// Event is one lifecycle transition.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      string            `json:"type"`
	Email     string            `json:"email,omitempty"`
	Env       string            `json:"env,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Text is the line recorded in an email's event stream.
func (e Event) Text() string {
	if e.Error != "" {
		return e.Type + ": " + e.Error
	}
	return e.Type
}

// Sink receives emitted events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink writes events into a buffered channel.
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan Event, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(ctx context.Context, event Event) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}

// MultiSink emits to every sink in order.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, event Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, event)
		}
	}
}
