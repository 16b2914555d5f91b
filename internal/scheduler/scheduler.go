// Package scheduler runs periodic tasks cooperatively from the main loop.
//
// Nothing here spawns goroutines. Poll blocks in the Waiter (the event loop)
// for at most the time until the next task is due, then runs every due task to
// completion on the calling goroutine. A slow task delays every other task and
// all I/O servicing.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/ordmap"
)

var ErrClosed = errors.New("scheduler closed")

// Waiter blocks for at most timeout, servicing I/O in the meantime. It may
// return early when I/O activity occurred.
type Waiter interface {
	Wait(ctx context.Context, timeout time.Duration) error
}

// WaiterFunc adapts a function to Waiter.
type WaiterFunc func(ctx context.Context, timeout time.Duration) error

func (f WaiterFunc) Wait(ctx context.Context, timeout time.Duration) error { return f(ctx, timeout) }

type Task struct {
	name     string
	period   time.Duration
	reinit   func()
	callback func()
	due      time.Time
	runs     uint64
}

func (t *Task) Name() string          { return t.name }
func (t *Task) Period() time.Duration { return t.period }
func (t *Task) Due() time.Time        { return t.due }
func (t *Task) Runs() uint64          { return t.runs }

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option { return func(s *Scheduler) { s.clock = c } }

func WithLogger(logger *slog.Logger) Option { return func(s *Scheduler) { s.log = logger } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

type Scheduler struct {
	waiter  Waiter
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics

	tasks  *ordmap.Map[*Task]
	closed bool
}

func New(waiter Waiter, opts ...Option) *Scheduler {
	s := &Scheduler{
		waiter: waiter,
		clock:  clock.New(),
		tasks:  ordmap.New[*Task](),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	return s
}

// Add registers a task that first fires one period from now. reinit may be
// nil; when set it runs immediately before callback, on every firing.
func (s *Scheduler) Add(name string, period time.Duration, reinit, callback func()) error {
	if s.closed {
		return ErrClosed
	}
	if period <= 0 {
		return fmt.Errorf("task %q: period must be positive", name)
	}
	if callback == nil {
		return fmt.Errorf("task %q: nil callback", name)
	}
	t := &Task{
		name:     name,
		period:   period,
		reinit:   reinit,
		callback: callback,
		due:      s.clock.Now().Add(period),
	}
	if err := s.tasks.Insert(name, t); err != nil {
		return fmt.Errorf("task %q: %w", name, err)
	}
	s.metrics.Tasks.Set(float64(s.tasks.Len()))
	return nil
}

func (s *Scheduler) Remove(name string) error {
	if err := s.tasks.Remove(name); err != nil {
		return fmt.Errorf("task %q: %w", name, err)
	}
	s.metrics.Tasks.Set(float64(s.tasks.Len()))
	return nil
}

func (s *Scheduler) Task(name string) (*Task, error) {
	return s.tasks.Find(name)
}

func (s *Scheduler) Len() int { return s.tasks.Len() }

// NextWait returns how long Poll would block: the time until the nearest due
// task, clamped to [0, maxWait].
func (s *Scheduler) NextWait(maxWait time.Duration) time.Duration {
	wait := maxWait
	now := s.clock.Now()
	s.tasks.Range(func(_ string, t *Task) bool {
		if d := t.due.Sub(now); d < wait {
			wait = d
		}
		return true
	})
	if wait < 0 {
		wait = 0
	}
	return wait
}

// Poll waits for I/O for at most the time until the next due task (bounded by
// maxWait) and then runs every due task once.
//
// The next due time of a fired task is reset to now+period. Missed periods are
// not replayed, so a stall lowers task frequency instead of causing a burst.
func (s *Scheduler) Poll(ctx context.Context, maxWait time.Duration) error {
	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.waiter != nil {
		if err := s.waiter.Wait(ctx, s.NextWait(maxWait)); err != nil {
			return err
		}
	}

	now := s.clock.Now()
	var due []*Task
	s.tasks.Range(func(_ string, t *Task) bool {
		if !t.due.After(now) {
			due = append(due, t)
		}
		return true
	})

	for _, t := range due {
		// An earlier callback may have removed this task or closed us.
		if s.closed || !s.tasks.Contains(t.name) {
			continue
		}
		if t.reinit != nil {
			t.reinit()
		}
		t.callback()
		t.runs++
		t.due = now.Add(t.period)
		s.metrics.Inc(metrics.TaskRuns)
	}
	return nil
}

// Close drops every task. Subsequent Add and Poll calls fail with ErrClosed.
func (s *Scheduler) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	for _, name := range s.tasks.Keys() {
		_ = s.tasks.Remove(name)
	}
	s.metrics.Tasks.Set(0)
	s.log.Debug("scheduler closed")
	return nil
}
