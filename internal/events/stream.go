package events

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Appender persists one line of an email's event stream.
type Appender interface {
	AppendEvent(ctx context.Context, email string, at time.Time, text string) error
}

// StreamSink records events carrying an email into that email's stream.
// Terminal events are skipped so a reclaimed account leaves no keys behind.
type StreamSink struct {
	store Appender
	log   logrus.FieldLogger
}

// NewStreamSink returns a sink appending through store. log may be nil.
func NewStreamSink(store Appender, log logrus.FieldLogger) *StreamSink {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &StreamSink{store: store, log: log.WithField("component", "events")}
}

func (s *StreamSink) Emit(ctx context.Context, event Event) {
	if event.Email == "" || Terminal(event.Type) {
		return
	}
	at := event.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	if err := s.store.AppendEvent(ctx, event.Email, at, event.Text()); err != nil {
		s.log.WithFields(logrus.Fields{
			"email": event.Email,
			"type":  event.Type,
			"err":   err.Error(),
		}).Warn("event stream append failed")
	}
}
