package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"truecoding/internal/domain"
	"truecoding/internal/events"
	"truecoding/internal/plan"
	"truecoding/internal/repo"
)

// RunView is a run annotated with derived, read-time flags.
type RunView struct {
	domain.DevelopmentRun
	IsStale bool `json:"is_stale"`
}

type StartRunInput struct {
	ProjectID  string
	CallerID   string
	Assessment json.RawMessage
	Iterations json.RawMessage
}

type StartRunResult struct {
	Run           domain.DevelopmentRun
	AlreadyActive bool
}

type runChange struct {
	To      domain.RunStatus
	Action  string
	Index   *int
	Message string
	Reason  string
}

// transitionRun applies ch to run, persists it and appends the run_status event.
func (e Engine) transitionRun(ctx context.Context, tx *sql.Tx, run *domain.DevelopmentRun, ch runChange) (domain.DevelopmentEvent, error) {
	if err := ensureRunTransition(run.Status, ch.To, ch.Action); err != nil {
		return domain.DevelopmentEvent{}, err
	}
	from := run.Status
	now := domain.Timestamp(e.now())
	run.Status = ch.To
	run.UpdatedAt = now
	if ch.To == domain.RunRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if ch.To.Terminal() {
		run.FinishedAt = &now
	} else {
		run.FinishedAt = nil
	}
	switch {
	case ch.To == domain.RunFailed && ch.Reason != "":
		reason := ch.Reason
		run.ErrorSummary = &reason
	case from == domain.RunFailed:
		run.ErrorSummary = nil
	}
	if err := e.Repo.UpdateRun(ctx, tx, *run); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.DevelopmentEvent{}, ErrRunActive
		}
		return domain.DevelopmentEvent{}, fmt.Errorf("update run %s: %w", run.ID, err)
	}
	return e.appendEvent(ctx, tx, run.ID, "", ch.Message, events.RunStatus{
		Status:         ch.To,
		From:           from,
		Action:         ch.Action,
		IterationIndex: ch.Index,
		Reason:         ch.Reason,
	})
}

func (e Engine) transitionIteration(ctx context.Context, tx *sql.Tx, runID string, it *domain.IterationRun, to domain.IterationStatus) error {
	if err := ensureIterationTransition(it.Status, to); err != nil {
		return err
	}
	from := it.Status
	it.Status = to
	it.UpdatedAt = domain.Timestamp(e.now())
	if err := e.Repo.UpdateIterationStatus(ctx, tx, it.ID, to, it.UpdatedAt); err != nil {
		return fmt.Errorf("update iteration %s: %w", it.ID, err)
	}
	_, err := e.appendEvent(ctx, tx, runID, it.ID, "", events.IterationStatus{
		Status:         to,
		From:           from,
		IterationIndex: it.Index,
	})
	return err
}

func (e Engine) loadRun(ctx context.Context, tx *sql.Tx, projectID, runID string) (domain.DevelopmentRun, error) {
	run, err := e.Repo.GetProjectRun(ctx, tx, projectID, runID)
	if errors.Is(err, repo.ErrNotFound) {
		return run, ErrRunNotFound
	}
	return run, err
}

// CreateRun starts a run for the project, or returns the project's active run
// with AlreadyActive set. Concurrent calls yield exactly one run.
func (e Engine) CreateRun(ctx context.Context, in StartRunInput) (StartRunResult, error) {
	if _, err := e.authorize(ctx, in.ProjectID, in.CallerID); err != nil {
		return StartRunResult{}, err
	}
	if e.Plans != nil {
		missing, err := e.Plans.MissingPlans(ctx, in.ProjectID)
		if err != nil {
			return StartRunResult{}, fmt.Errorf("check plans: %w", err)
		}
		if len(missing) > 0 {
			names := make([]string, len(missing))
			for i, k := range missing {
				names[i] = string(k)
			}
			return StartRunResult{}, PrerequisiteError{Reason: "required plans missing", Missing: names}
		}
	}
	if !e.config().Execution.Enabled {
		return StartRunResult{}, ErrExecutionDisabled
	}
	approved, err := plan.Parse(in.Assessment, in.Iterations)
	if err != nil {
		return StartRunResult{}, fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}

	var res StartRunResult
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		active, err := e.Repo.ActiveRun(ctx, tx, in.ProjectID)
		if err == nil {
			res = StartRunResult{Run: active, AlreadyActive: true}
			return nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("find active run: %w", err)
		}
		run, err := e.insertRun(ctx, tx, in.ProjectID, approved)
		if err != nil {
			return err
		}
		res = StartRunResult{Run: run}
		return nil
	})
	if err != nil {
		if !repo.IsUniqueViolation(err) {
			return StartRunResult{}, err
		}
		active, aerr := e.Repo.ActiveRun(ctx, nil, in.ProjectID)
		if aerr != nil {
			return StartRunResult{}, err
		}
		return StartRunResult{Run: active, AlreadyActive: true}, nil
	}
	if !res.AlreadyActive {
		e.dispatch(ctx, res.Run.ID)
	}
	return res, nil
}

func (e Engine) insertRun(ctx context.Context, tx *sql.Tx, projectID string, approved *domain.ApprovedPlan) (domain.DevelopmentRun, error) {
	now := domain.Timestamp(e.now())
	run := domain.DevelopmentRun{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Status:    domain.RunQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if approved != nil {
		run.TotalIterations = len(approved.Iterations)
	}
	if err := e.Repo.InsertRun(ctx, tx, run, approved); err != nil {
		return run, err
	}
	if approved != nil {
		if err := e.insertIterations(ctx, tx, run.ID, approved.Iterations); err != nil {
			return run, err
		}
	}
	_, err := e.appendEvent(ctx, tx, run.ID, "", "Run queued", events.RunStatus{
		Status: domain.RunQueued,
		Action: events.ActionStart,
	})
	return run, err
}

// insertIterations assigns indices by plan position, 1-based and contiguous.
func (e Engine) insertIterations(ctx context.Context, tx *sql.Tx, runID string, items []domain.IterationPlanItem) error {
	now := domain.Timestamp(e.now())
	for i, item := range items {
		it := domain.IterationRun{
			ID:          uuid.NewString(),
			RunID:       runID,
			Index:       i + 1,
			Name:        item.Name,
			Slug:        item.Slug,
			Scope:       item.Scope,
			GherkinPath: item.GherkinPath,
			Status:      domain.IterationPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.Repo.InsertIteration(ctx, tx, it); err != nil {
			return fmt.Errorf("insert iteration %d: %w", it.Index, err)
		}
	}
	return nil
}

// GetRun is an ownership-checked point read.
func (e Engine) GetRun(ctx context.Context, projectID, runID, callerID string) (RunView, error) {
	if _, err := e.authorize(ctx, projectID, callerID); err != nil {
		return RunView{}, err
	}
	run, err := e.loadRun(ctx, nil, projectID, runID)
	if err != nil {
		return RunView{}, err
	}
	return e.view(run), nil
}

// ListRuns returns the most recent runs, newest first, each annotated with
// IsStale. It never writes and never dispatches.
func (e Engine) ListRuns(ctx context.Context, projectID, callerID string) ([]RunView, error) {
	if _, err := e.authorize(ctx, projectID, callerID); err != nil {
		return nil, err
	}
	runs, err := e.Repo.ListRuns(ctx, projectID, e.config().Runs.ListLimit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := make([]RunView, 0, len(runs))
	for _, run := range runs {
		out = append(out, e.view(run))
	}
	return out, nil
}

func (e Engine) view(run domain.DevelopmentRun) RunView {
	return RunView{DevelopmentRun: run, IsStale: e.IsStale(run)}
}

// IsStale reports a QUEUED or RUNNING run that no local worker drives and
// that has not been touched within the configured threshold.
func (e Engine) IsStale(run domain.DevelopmentRun) bool {
	if run.Status != domain.RunQueued && run.Status != domain.RunRunning {
		return false
	}
	if e.isLive(run.ID) {
		return false
	}
	updated, err := time.Parse(time.RFC3339Nano, run.UpdatedAt)
	if err != nil {
		return false
	}
	threshold := e.config().Runs.StaleAfter
	if threshold <= 0 {
		threshold = 60 * time.Second
	}
	return e.now().Sub(updated) > threshold
}

// ListIterations returns a run's iterations with their gate results.
func (e Engine) ListIterations(ctx context.Context, projectID, runID, callerID string) ([]domain.IterationRun, error) {
	if _, err := e.authorize(ctx, projectID, callerID); err != nil {
		return nil, err
	}
	if _, err := e.loadRun(ctx, nil, projectID, runID); err != nil {
		return nil, err
	}
	its, err := e.Repo.ListIterations(ctx, nil, runID)
	if err != nil {
		return nil, fmt.Errorf("list iterations: %w", err)
	}
	gates, err := e.Repo.GatesByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list gates: %w", err)
	}
	for i := range its {
		its[i].Gates = gates[its[i].ID]
	}
	return its, nil
}

// ListEvents is a paged read of the run's log after the given sequence.
func (e Engine) ListEvents(ctx context.Context, projectID, runID, callerID string, after int64, limit int) ([]domain.DevelopmentEvent, error) {
	if after < 0 {
		return nil, invalidInput("after must not be negative")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if _, err := e.authorize(ctx, projectID, callerID); err != nil {
		return nil, err
	}
	if _, err := e.loadRun(ctx, nil, projectID, runID); err != nil {
		return nil, err
	}
	evts, err := e.Repo.EventsAfter(ctx, runID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return evts, nil
}

// AuthorizeRun checks ownership and that runID belongs to projectID.
func (e Engine) AuthorizeRun(ctx context.Context, projectID, runID, callerID string) (domain.DevelopmentRun, error) {
	if _, err := e.authorize(ctx, projectID, callerID); err != nil {
		return domain.DevelopmentRun{}, err
	}
	return e.loadRun(ctx, nil, projectID, runID)
}

// Retry moves a FAILED run back to RUNNING and resets its failed iterations.
func (e Engine) Retry(ctx context.Context, projectID, runID, callerID string) (domain.DevelopmentRun, error) {
	if _, err := e.authorize(ctx, projectID, callerID); err != nil {
		return domain.DevelopmentRun{}, err
	}
	if !e.config().Execution.Enabled {
		return domain.DevelopmentRun{}, ErrExecutionDisabled
	}
	var run domain.DevelopmentRun
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		run, err = e.loadRun(ctx, tx, projectID, runID)
		if err != nil {
			return err
		}
		if run.Status != domain.RunFailed {
			return PrerequisiteError{Reason: fmt.Sprintf("only FAILED runs can be retried; run is %s", run.Status)}
		}
		if active, err := e.Repo.ActiveRun(ctx, tx, projectID); err == nil {
			return fmt.Errorf("%w: %s", ErrRunActive, active.ID)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		its, err := e.Repo.ListIterations(ctx, tx, runID)
		if err != nil {
			return err
		}
		for i := range its {
			if its[i].Status == domain.IterationFailed {
				if err := e.transitionIteration(ctx, tx, runID, &its[i], domain.IterationPending); err != nil {
					return err
				}
			}
		}
		_, err = e.transitionRun(ctx, tx, &run, runChange{
			To:      domain.RunRunning,
			Action:  events.ActionRetry,
			Message: "Retry requested by owner",
		})
		return err
	})
	if err != nil {
		return domain.DevelopmentRun{}, err
	}
	e.dispatch(ctx, runID)
	return run, nil
}

// Cancel stops a non-terminal run. Iterations keep their last status.
func (e Engine) Cancel(ctx context.Context, projectID, runID, callerID, reason string) (domain.DevelopmentRun, error) {
	if _, err := e.authorize(ctx, projectID, callerID); err != nil {
		return domain.DevelopmentRun{}, err
	}
	var run domain.DevelopmentRun
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		run, err = e.loadRun(ctx, tx, projectID, runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return PrerequisiteError{Reason: fmt.Sprintf("run already finished with %s", run.Status)}
		}
		_, err = e.transitionRun(ctx, tx, &run, runChange{
			To:      domain.RunCanceled,
			Action:  events.ActionCancel,
			Message: "Run canceled by owner",
			Reason:  reason,
		})
		return err
	})
	return run, err
}
