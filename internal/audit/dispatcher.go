package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Config controls buffering and delivery.
type Config struct {
	Enabled    bool
	BufferSize int
	// DropIfFull discards events when the buffer is full instead of blocking
	// the emitting request.
	DropIfFull bool
	// SinkTimeout bounds each Sink.Emit call. Zero means no bound.
	SinkTimeout time.Duration
	// Logger receives drop and sink panic warnings. Nil discards them.
	Logger *slog.Logger
}

// Dispatcher relays events to a Sink from a single goroutine so slow sinks
// never sit on the login path.
type Dispatcher struct {
	cfg  Config
	sink Sink
	log  *slog.Logger

	mu     sync.RWMutex
	closed bool
	events chan Event

	stopped chan struct{}
	dropped atomic.Uint64
}

// NewDispatcher starts a dispatcher. It returns nil when cfg.Enabled is
// false; every method is safe on a nil Dispatcher.
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
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	d := &Dispatcher{
		cfg:     cfg,
		sink:    sink,
		log:     logger,
		events:  make(chan Event, cfg.BufferSize),
		stopped: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for ev := range d.events {
		d.deliver(ev)
	}
}

func (d *Dispatcher) deliver(ev Event) {
	ctx := context.Background()
	if d.cfg.SinkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.SinkTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("audit sink panicked", slog.String("event", ev.EventType), slog.Any("panic", r))
		}
	}()
	d.sink.Emit(ctx, ev)
}

// Emit queues ev. Events emitted after Close are ignored. In blocking mode
// Emit waits for buffer space until ctx is done.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) {
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

	if d.cfg.DropIfFull {
		select {
		case d.events <- ev:
		default:
			d.drop(ev)
		}
		return
	}

	select {
	case d.events <- ev:
	case <-ctx.Done():
		d.drop(ev)
	}
}

func (d *Dispatcher) drop(ev Event) {
	// Warn on the first drop and then once per thousand.
	if n := d.dropped.Add(1); n == 1 || n%1000 == 0 {
		d.log.Warn("audit events dropped", slog.Uint64("total", n), slog.String("last_event", ev.EventType))
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
		close(d.events)
	}
	d.mu.Unlock()
	<-d.stopped
}

// Dropped reports how many events were discarded.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
