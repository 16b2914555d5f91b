// Package eventloop is the single-threaded dispatch point of the relay.
//
// Goroutines owned by the transport (HTTP handlers, UDP socket readers,
// websocket readers) never touch relay state directly. They Post closures into
// the loop, and the goroutine that calls Wait runs them one at a time. All
// session, route and task state is therefore owned by that one goroutine and
// needs no locking.
package eventloop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eapache/queue"

	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/metrics"
)

var (
	ErrClosed        = errors.New("event loop closed")
	ErrNotRegistered = errors.New("descriptor not registered")
	ErrNilDescriptor = errors.New("nil descriptor")
)

// DefaultReadBuffer is the datagram read buffer allocated per descriptor.
const DefaultReadBuffer = 64 * 1024

type Option func(*Loop)

func WithClock(c clock.Clock) Option { return func(l *Loop) { l.clock = c } }

func WithLogger(logger *slog.Logger) Option { return func(l *Loop) { l.log = logger } }

func WithMetrics(m *metrics.Metrics) Option { return func(l *Loop) { l.metrics = m } }

// WithReadBuffer sets the per-descriptor datagram read buffer size.
func WithReadBuffer(n int) Option { return func(l *Loop) { l.readBuffer = n } }

type Loop struct {
	clock      clock.Clock
	log        *slog.Logger
	metrics    *metrics.Metrics
	readBuffer int

	mu     sync.Mutex
	events *queue.Queue
	closed bool
	notify chan struct{}

	// Owned by the loop goroutine.
	nextID  uint64
	regs    map[uint64]*Registration
	stats   Stats
	readers sync.WaitGroup
}

// Stats counts descriptor registrations over the loop's lifetime.
type Stats struct {
	Registrations   uint64
	Deregistrations uint64
}

func (s Stats) Active() uint64 { return s.Registrations - s.Deregistrations }

func New(opts ...Option) *Loop {
	l := &Loop{
		clock:      clock.New(),
		readBuffer: DefaultReadBuffer,
		events:     queue.New(),
		notify:     make(chan struct{}, 1),
		regs:       make(map[uint64]*Registration),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if l.metrics == nil {
		l.metrics = metrics.New()
	}
	if l.readBuffer <= 0 {
		l.readBuffer = DefaultReadBuffer
	}
	return l
}

// Post enqueues fn to run on the loop goroutine. It never blocks and is safe
// to call from any goroutine.
func (l *Loop) Post(fn func()) error {
	if fn == nil {
		return nil
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.events.Add(fn)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return nil
}

// Do posts fn and waits until the loop has run it.
//
// If ctx is done first Do returns ctx.Err(); fn may still run later, so callers
// must not hand fn anything that is invalid once Do has returned.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := l.Post(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait runs queued events on the calling goroutine. It returns once a batch
// of events has been dispatched, when timeout elapses, or when ctx is done.
//
// Wait must only ever be called from one goroutine: that goroutine becomes the
// loop goroutine.
func (l *Loop) Wait(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.runPending() > 0 || timeout <= 0 {
		return nil
	}

	timer := l.clock.Timer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			l.runPending()
			return nil
		case <-l.notify:
			if l.runPending() > 0 {
				return nil
			}
		}
	}
}

func (l *Loop) runPending() int {
	l.mu.Lock()
	n := l.events.Length()
	batch := make([]func(), 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, l.events.Remove().(func()))
	}
	l.mu.Unlock()

	for _, fn := range batch {
		l.run(fn)
	}
	return len(batch)
}

func (l *Loop) run(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			l.metrics.Inc(metrics.LoopEventPanics)
			l.log.Error("panic in loop event", "recover", rec, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Pending reports the number of queued events.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events.Length()
}

func (l *Loop) Stats() Stats { return l.stats }

// Close deregisters every descriptor, runs events that were already queued
// and rejects further posts. It must be called from the loop goroutine.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	for _, reg := range l.regs {
		_ = l.Deregister(reg)
	}
	l.runPending()
	l.readers.Wait()
	return nil
}
