// Package worker drives runs forward in the background. Each run is driven by
// at most one goroutine, registered in the liveness registry while it works.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"truecoding/internal/domain"
	"truecoding/internal/engine"
	"truecoding/internal/liveness"
)

// Reporter lets a runner append progress events for its iteration.
type Reporter interface {
	Report(ctx context.Context, typ domain.EventType, message string, fields map[string]any) error
}

// Outcome is what a runner returns for one iteration attempt.
type Outcome struct {
	Gates     []engine.GateResult
	DeployURL string
}

// IterationRunner produces an iteration and runs its quality gates.
type IterationRunner interface {
	RunIteration(ctx context.Context, run domain.DevelopmentRun, it domain.IterationRun, report Reporter) (Outcome, error)
}

// Planner produces an iteration plan for runs started without one.
type Planner interface {
	Plan(ctx context.Context, run domain.DevelopmentRun) ([]domain.IterationPlanItem, error)
}

var errParked = errors.New("run parked at checkpoint")

type Worker struct {
	Engine                   engine.Engine
	Runner                   IterationRunner
	Planner                  Planner
	Live                     *liveness.Registry
	Interval                 time.Duration
	CheckpointEveryIteration bool
	Logger                   *log.Logger

	mu   sync.Mutex
	base context.Context
	wg   sync.WaitGroup
	// redrive holds runs that were dispatched while still live. The driving
	// goroutine looks at them again once it lets go.
	redrive map[string]bool
}

func New(e engine.Engine, live *liveness.Registry, runner IterationRunner, planner Planner) *Worker {
	w := &Worker{
		Engine:   e,
		Runner:   runner,
		Planner:  planner,
		Live:     live,
		Interval: 2 * time.Second,
		Logger:   e.Logger,
	}
	if e.Config != nil {
		w.CheckpointEveryIteration = e.Config.Execution.CheckpointEveryIteration
		if e.Config.Execution.WorkerPollInterval > 0 {
			w.Interval = e.Config.Execution.WorkerPollInterval
		}
	}
	return w
}

func (w *Worker) logger() *log.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return log.Default()
}

func (w *Worker) baseContext() context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.base != nil {
		return w.base
	}
	return context.Background()
}

// Run polls for QUEUED runs until ctx is canceled, then waits for in-flight
// runs to stop.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	w.base = ctx
	w.mu.Unlock()
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		w.pickUp(ctx)
		select {
		case <-ctx.Done():
			for _, id := range w.Live.Live() {
				since, _ := w.Live.Since(id)
				w.logger().Printf("worker: waiting for run %s (driven for %s)", id, time.Since(since).Round(time.Millisecond))
			}
			w.wg.Wait()
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Worker) pickUp(ctx context.Context) {
	runs, err := w.Engine.PendingRuns(ctx, 20)
	if err != nil {
		if ctx.Err() == nil {
			w.logger().Printf("worker: list queued runs: %v", err)
		}
		return
	}
	for _, run := range runs {
		if _, err := w.Dispatch(ctx, run.ID); err != nil {
			w.logger().Printf("worker: dispatch %s: %v", run.ID, err)
		}
	}
}

// Dispatch starts driving runID unless it is already live. The request ctx
// only bounds the hand-off; the run is driven under the worker's own context.
func (w *Worker) Dispatch(_ context.Context, runID string) (bool, error) {
	if w.Runner == nil {
		return false, fmt.Errorf("no iteration runner configured")
	}
	w.mu.Lock()
	if !w.Live.Register(runID) {
		if w.redrive == nil {
			w.redrive = map[string]bool{}
		}
		w.redrive[runID] = true
		w.mu.Unlock()
		return false, nil
	}
	w.mu.Unlock()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx := w.baseContext()
		w.drive(ctx, runID)
		w.finish(ctx, runID)
	}()
	return true, nil
}

// finish lets go of runID. A dispatch that arrived while the run was still
// live (an approve landing just after the run parked) is honoured here if the
// run is left QUEUED or RUNNING.
func (w *Worker) finish(ctx context.Context, runID string) {
	w.mu.Lock()
	again := w.redrive[runID]
	delete(w.redrive, runID)
	w.Live.Unregister(runID)
	w.mu.Unlock()
	if !again || ctx.Err() != nil {
		return
	}
	run, err := w.Engine.Repo.GetRun(ctx, nil, runID)
	if err != nil {
		w.logger().Printf("worker: reload run %s: %v", runID, err)
		return
	}
	if run.Status != domain.RunQueued && run.Status != domain.RunRunning {
		return
	}
	if _, err := w.Dispatch(ctx, runID); err != nil {
		w.logger().Printf("worker: redispatch %s: %v", runID, err)
	}
}

// Wait blocks until every dispatched run has stopped.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) drive(ctx context.Context, runID string) {
	run, err := w.Engine.MarkRunning(ctx, runID)
	if err != nil {
		w.stop(ctx, runID, 0, err)
		return
	}
	its, err := w.Engine.RunIterations(ctx, runID)
	if err != nil {
		w.stop(ctx, runID, 0, err)
		return
	}
	if len(its) == 0 {
		its, err = w.plan(ctx, run)
		if err != nil {
			w.stop(ctx, runID, 0, err)
			return
		}
	}
	for _, it := range its {
		if err := w.driveIteration(ctx, run, it); err != nil {
			w.stop(ctx, runID, it.Index, err)
			return
		}
	}
	if err := w.Engine.SucceedRun(ctx, runID); err != nil {
		w.stop(ctx, runID, 0, err)
	}
}

func (w *Worker) plan(ctx context.Context, run domain.DevelopmentRun) ([]domain.IterationRun, error) {
	if w.Planner == nil {
		return nil, fmt.Errorf("run has no iteration plan and no planner is configured")
	}
	items, err := w.Planner.Plan(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("plan iterations: %w", err)
	}
	if err := w.Engine.AttachIterations(ctx, run.ID, items); err != nil {
		return nil, err
	}
	return w.Engine.RunIterations(ctx, run.ID)
}

// stop decides what an error means for the run: shutdown and parking leave
// it as is, a run that left RUNNING is someone else's decision, anything
// else fails the run.
func (w *Worker) stop(ctx context.Context, runID string, index int, err error) {
	switch {
	case ctx.Err() != nil:
		return
	case errors.Is(err, errParked), errors.Is(err, engine.ErrRunNotRunning):
		return
	}
	w.logger().Printf("worker: run %s failed: %v", runID, err)
	if ferr := w.Engine.FailRun(ctx, runID, index, err.Error()); ferr != nil && !errors.Is(ferr, engine.ErrRunNotRunning) {
		w.logger().Printf("worker: mark run %s failed: %v", runID, ferr)
	}
}

func (w *Worker) driveIteration(ctx context.Context, run domain.DevelopmentRun, it domain.IterationRun) error {
	status := it.Status
	if status == domain.IterationPending || status == domain.IterationRunning {
		started, err := w.Engine.StartIteration(ctx, run.ID, it.Index)
		if err != nil {
			return err
		}
		outcome, err := w.Runner.RunIteration(ctx, run, started, reporter{engine: w.Engine, runID: run.ID, index: it.Index})
		if err != nil {
			return fmt.Errorf("iteration %d: %w", it.Index, err)
		}
		var failed []string
		for _, g := range outcome.Gates {
			if _, err := w.Engine.RecordGate(ctx, run.ID, it.Index, g); err != nil {
				return err
			}
			if !g.Passed {
				failed = append(failed, string(g.GateType))
			}
		}
		if len(failed) > 0 {
			return fmt.Errorf("iteration %d failed quality gates %v", it.Index, failed)
		}
		if err := w.Engine.GateIteration(ctx, run.ID, it.Index, outcome.DeployURL); err != nil {
			return err
		}
		if w.CheckpointEveryIteration {
			if err := w.Engine.ReachCheckpoint(ctx, run.ID, it.Index); err != nil {
				return err
			}
			return errParked
		}
		status = domain.IterationGated
	}
	if status == domain.IterationGated {
		if err := w.Engine.MergeIteration(ctx, run.ID, it.Index); err != nil {
			return err
		}
		status = domain.IterationMerged
	}
	if status == domain.IterationMerged {
		if err := w.Engine.DeployIteration(ctx, run.ID, it.Index, ""); err != nil {
			return err
		}
		status = domain.IterationDeployed
	}
	if status == domain.IterationFailed {
		return fmt.Errorf("iteration %d is FAILED", it.Index)
	}
	return nil
}

type reporter struct {
	engine engine.Engine
	runID  string
	index  int
}

func (r reporter) Report(ctx context.Context, typ domain.EventType, message string, fields map[string]any) error {
	_, err := r.engine.AppendEvent(ctx, r.runID, r.index, typ, message, fields)
	return err
}
