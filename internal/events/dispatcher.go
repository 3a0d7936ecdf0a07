package events

import (
	"context"
	"sync"
	"sync/atomic"
)

// Config controls dispatcher buffering.
type Config struct {
	Enabled    bool
	BufferSize int
	// DropIfFull discards events when the buffer is full instead of
	// blocking the emitter.
	DropIfFull bool
}

// Dispatcher forwards events to a sink on its own goroutine, so consumer
// loops never wait on Redis writes for event bookkeeping.
type Dispatcher struct {
	sink       Sink
	dropIfFull bool

	// mu guards closing ch against concurrent sends.
	mu     sync.RWMutex
	closed bool
	ch     chan Event
	wg     sync.WaitGroup

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewDispatcher starts a dispatcher, or returns nil when cfg is disabled.
// A nil dispatcher accepts and discards everything.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &Dispatcher{
		sink:       sink,
		dropIfFull: cfg.DropIfFull,
		ch:         make(chan Event, cfg.BufferSize),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for event := range d.ch {
		d.sink.Emit(context.Background(), event)
		d.delivered.Add(1)
	}
}

// Emit queues event. In blocking mode it waits for buffer space until ctx
// is done; events emitted after Close are discarded.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	if d.dropIfFull {
		select {
		case d.ch <- event:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.ch <- event:
	case <-ctx.Done():
		d.dropped.Add(1)
	}
}

// Close stops accepting events and returns once the buffer is drained.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Dropped counts events discarded for lack of buffer space.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Delivered counts events handed to the sink.
func (d *Dispatcher) Delivered() uint64 {
	if d == nil {
		return 0
	}
	return d.delivered.Load()
}
