// Package stream serves a run's event log as a cursor-resumable push feed.
// It only reads: run state is never changed by an observer.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"truecoding/internal/domain"
	"truecoding/internal/events"
	"truecoding/internal/repo"
)

const (
	DefaultInterval  = time.Second
	DefaultBatchSize = 200
)

// Source is the read side of the event log.
type Source interface {
	RunEvents(ctx context.Context, runID string) ([]domain.DevelopmentEvent, error)
	EventsAfter(ctx context.Context, runID string, after int64, limit int) ([]domain.DevelopmentEvent, error)
	// RunStatus returns repo.ErrNotFound when the run no longer exists.
	RunStatus(ctx context.Context, runID string) (domain.RunStatus, error)
}

// Sink receives typed messages. A write error ends the stream.
type Sink interface {
	Event(evt domain.DevelopmentEvent) error
	Done(status domain.RunStatus, lastSequence int64) error
	Error(message string) error
}

type Gateway struct {
	Source    Source
	Interval  time.Duration
	BatchSize int
	Logger    *log.Logger
}

func (g Gateway) interval() time.Duration {
	if g.Interval > 0 {
		return g.Interval
	}
	return DefaultInterval
}

func (g Gateway) batch() int {
	if g.BatchSize > 0 {
		return g.BatchSize
	}
	return DefaultBatchSize
}

func (g Gateway) logger() *log.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return log.Default()
}

// StartCursor picks where a fresh connection begins. A positive after is
// used verbatim. Otherwise the stream starts just before the retry boundary
// so the event that began the current attempt is delivered, or at 0.
func (g Gateway) StartCursor(ctx context.Context, runID string, after int64) (int64, error) {
	if after > 0 {
		return after, nil
	}
	history, err := g.Source.RunEvents(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("load history for run %s: %w", runID, err)
	}
	if boundary := events.RetryBoundary(history); boundary > 0 {
		return boundary - 1, nil
	}
	return 0, nil
}

// Serve delivers events with sequence > cursor until the run is terminal, the
// run disappears, a sink write fails, or ctx is canceled. The poll ticker is
// stopped on every exit path.
func (g Gateway) Serve(ctx context.Context, runID string, cursor int64, sink Sink) error {
	ticker := time.NewTicker(g.interval())
	defer ticker.Stop()
	for {
		done, err := g.pass(ctx, runID, &cursor, sink)
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// pass reads the status before the events so a terminal status always has
// its final events already committed and visible in the same pass.
func (g Gateway) pass(ctx context.Context, runID string, cursor *int64, sink Sink) (bool, error) {
	status, err := g.Source.RunStatus(ctx, runID)
	if errors.Is(err, repo.ErrNotFound) {
		return true, sink.Error("run not found")
	}
	if err != nil {
		if ctx.Err() != nil {
			return true, nil
		}
		g.logger().Printf("stream: read status of run %s: %v", runID, err)
		return true, sink.Error("internal error")
	}
	batch, err := g.Source.EventsAfter(ctx, runID, *cursor, g.batch())
	if err != nil {
		if ctx.Err() != nil {
			return true, nil
		}
		g.logger().Printf("stream: read events of run %s: %v", runID, err)
		return true, sink.Error("internal error")
	}
	for _, evt := range batch {
		if err := sink.Event(evt); err != nil {
			return true, err
		}
		*cursor = evt.Sequence
	}
	if status.Terminal() && len(batch) < g.batch() {
		return true, sink.Done(status, *cursor)
	}
	return false, nil
}

// RepoSource adapts the SQL repository to Source.
type RepoSource struct {
	Repo repo.Repo
}

func (s RepoSource) RunEvents(ctx context.Context, runID string) ([]domain.DevelopmentEvent, error) {
	return s.Repo.RunEvents(ctx, runID)
}

func (s RepoSource) EventsAfter(ctx context.Context, runID string, after int64, limit int) ([]domain.DevelopmentEvent, error) {
	return s.Repo.EventsAfter(ctx, runID, after, limit)
}

func (s RepoSource) RunStatus(ctx context.Context, runID string) (domain.RunStatus, error) {
	run, err := s.Repo.GetRun(ctx, nil, runID)
	if err != nil {
		return "", err
	}
	return run.Status, nil
}
