// Package lifecycle runs the process teardown as a declared, ordered list of
// stages.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
)

// Stage is one step of teardown. After is an optional pause following Stop,
// giving in-flight work of later stages time to drain.
type Stage struct {
	Name  string
	Stop  func(ctx context.Context) error
	After time.Duration
}

type Sequence struct {
	stages []Stage
	clock  clock.Clock
	log    *slog.Logger
}

type Option func(*Sequence)

func WithClock(c clock.Clock) Option { return func(s *Sequence) { s.clock = c } }

func WithLogger(logger *slog.Logger) Option { return func(s *Sequence) { s.log = logger } }

func New(opts ...Option) *Sequence {
	s := &Sequence{clock: clock.New()}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s
}

// Add appends a stage. Stages run in the order they were added.
func (s *Sequence) Add(st Stage) *Sequence {
	s.stages = append(s.stages, st)
	return s
}

func (s *Sequence) Stages() []string {
	out := make([]string, len(s.stages))
	for i, st := range s.stages {
		out[i] = st.Name
	}
	return out
}

// Run executes every stage in order. A failing stage does not stop the ones
// after it; all failures are returned combined. Once ctx is done the
// remaining pauses are skipped, but the remaining stages still run.
func (s *Sequence) Run(ctx context.Context) error {
	var errs error
	for _, st := range s.stages {
		start := s.clock.Now()
		if st.Stop != nil {
			if err := st.Stop(ctx); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", st.Name, err))
				s.log.Warn("teardown stage failed", "stage", st.Name, "err", err)
			}
		}
		s.log.Debug("teardown stage done", "stage", st.Name, "duration", s.clock.Since(start).String())

		if st.After > 0 && ctx.Err() == nil {
			t := s.clock.Timer(st.After)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			}
		}
	}
	return errs
}
