package testuser

import (
	"context"
	"io"
	"time"

	"github.com/MrEthical07/testuser/internal/events"
)

// Event is one lifecycle transition of a test account.
type Event = events.Event

// EventSink receives lifecycle events from the engine's dispatcher.
type EventSink = events.Sink

// Lifecycle event types carried in [Event].Type.
const (
	EventStaged          = events.TypeStaged
	EventTokenReceived   = events.TypeTokenReceived
	EventVerified        = events.TypeVerified
	EventVerifyFailed    = events.TypeVerifyFailed
	EventReady           = events.TypeReady
	EventTimeout         = events.TypeTimeout
	EventExtended        = events.TypeExtended
	EventAssertionIssued = events.TypeAssertion
	EventDeleted         = events.TypeDeleted
	EventReclaimed       = events.TypeReclaimed
	EventCancelled       = events.TypeCancelled
	EventCancelFailed    = events.TypeCancelFailed
	EventProvisionFailed = events.TypeProvisionFailed
)

// NewChannelSink returns a sink that buffers events in a channel.
func NewChannelSink(buffer int) *events.ChannelSink {
	return events.NewChannelSink(buffer)
}

// NewJSONWriterSink returns a sink writing one JSON object per line to w.
func NewJSONWriterSink(w io.Writer) *events.JSONWriterSink {
	return events.NewJSONWriterSink(w)
}

// emit stamps and dispatches an event. The correlation ID of ctx, when
// present, is copied into the metadata.
func (e *Engine) emit(ctx context.Context, typ string, email, env string, err error, meta map[string]string) {
	if e == nil || e.events == nil {
		return
	}

	ev := events.Event{
		Timestamp: e.now(),
		Type:      typ,
		Email:     email,
		Env:       env,
		Success:   err == nil,
		Metadata:  meta,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if id := CorrelationID(ctx); id != "" {
		if ev.Metadata == nil {
			ev.Metadata = make(map[string]string, 1)
		}
		ev.Metadata["correlation_id"] = id
	}
	e.events.Emit(ctx, ev)
}

// Events returns the stream of email's lifecycle events recorded at or
// after since, oldest first. Streams are removed with the account.
func (e *Engine) Events(ctx context.Context, email string, since time.Time) ([]EventRecord, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if email == "" {
		return nil, ErrValidation
	}

	raw, err := e.store.Events(ctx, email, since)
	if err != nil {
		return nil, translate(err)
	}
	out := make([]EventRecord, 0, len(raw))
	for _, ev := range raw {
		out = append(out, EventRecord{Text: ev.Text, Offset: ev.At.Sub(since)})
	}
	return out, nil
}
