package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"truecoding/internal/domain"
	"truecoding/internal/events"
	"truecoding/internal/repo"
)

// The methods below are the execution engine's write path. Each one requires
// the run to still be RUNNING so a pause or cancel issued while the worker is
// mid-iteration wins; the worker sees ErrRunNotRunning and stops.

// GateResult is what an iteration runner reports for one quality gate.
type GateResult struct {
	GateType   domain.GateType
	Passed     bool
	DurationMs int64
	LogsRef    string
	Report     json.RawMessage
}

func (e Engine) runningRun(ctx context.Context, tx *sql.Tx, runID string) (domain.DevelopmentRun, error) {
	run, err := e.Repo.GetRun(ctx, tx, runID)
	if errors.Is(err, repo.ErrNotFound) {
		return run, ErrRunNotFound
	}
	if err != nil {
		return run, err
	}
	if run.Status != domain.RunRunning {
		return run, fmt.Errorf("%w: %s", ErrRunNotRunning, run.Status)
	}
	return run, nil
}

func (e Engine) iterationAt(ctx context.Context, tx *sql.Tx, runID string, index int) (domain.IterationRun, error) {
	it, err := e.Repo.GetIterationByIndex(ctx, tx, runID, index)
	if errors.Is(err, repo.ErrNotFound) {
		return it, ErrIterationNotFound
	}
	return it, err
}

func (e Engine) touch(ctx context.Context, tx *sql.Tx, run *domain.DevelopmentRun) error {
	run.UpdatedAt = domain.Timestamp(e.now())
	return e.Repo.UpdateRun(ctx, tx, *run)
}

// MarkRunning moves a QUEUED run to RUNNING. A RUNNING run is returned as is
// so recovered runs can be picked up again.
func (e Engine) MarkRunning(ctx context.Context, runID string) (domain.DevelopmentRun, error) {
	var run domain.DevelopmentRun
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		run, err = e.Repo.GetRun(ctx, tx, runID)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrRunNotFound
		}
		if err != nil {
			return err
		}
		switch run.Status {
		case domain.RunRunning:
			return nil
		case domain.RunQueued:
			_, err = e.transitionRun(ctx, tx, &run, runChange{To: domain.RunRunning, Action: events.ActionStart, Message: "Run started"})
			return err
		default:
			return fmt.Errorf("%w: %s", ErrRunNotRunning, run.Status)
		}
	})
	return run, err
}

// AttachIterations stores a self-planned iteration list on a run created
// without an approved plan. It is rejected once the run has iterations.
func (e Engine) AttachIterations(ctx context.Context, runID string, items []domain.IterationPlanItem) error {
	if len(items) == 0 {
		return invalidInput("iteration plan is empty")
	}
	return e.withTx(ctx, func(tx *sql.Tx) error {
		run, err := e.runningRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		existing, err := e.Repo.ListIterations(ctx, tx, runID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return PrerequisiteError{Reason: "run already has iterations"}
		}
		if err := e.insertIterations(ctx, tx, runID, items); err != nil {
			return err
		}
		run.TotalIterations = len(items)
		if err := e.touch(ctx, tx, &run); err != nil {
			return err
		}
		_, err = e.appendEvent(ctx, tx, runID, "", fmt.Sprintf("Planned %d iterations", len(items)),
			events.Opaque{Type: domain.EventInfo, Fields: map[string]any{"totalIterations": len(items)}})
		return err
	})
}

// StartIteration moves a PENDING iteration to RUNNING. An iteration already
// RUNNING (an interrupted attempt) is returned unchanged.
func (e Engine) StartIteration(ctx context.Context, runID string, index int) (domain.IterationRun, error) {
	var it domain.IterationRun
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		run, err := e.runningRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		it, err = e.iterationAt(ctx, tx, runID, index)
		if err != nil {
			return err
		}
		if it.Status != domain.IterationRunning {
			if err := e.transitionIteration(ctx, tx, runID, &it, domain.IterationRunning); err != nil {
				return err
			}
		}
		run.CurrentIteration = index
		return e.touch(ctx, tx, &run)
	})
	return it, err
}

// RecordGate stores one quality gate result for a RUNNING iteration.
func (e Engine) RecordGate(ctx context.Context, runID string, index int, g GateResult) (domain.QualityGateResult, error) {
	var res domain.QualityGateResult
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		run, err := e.runningRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		it, err := e.iterationAt(ctx, tx, runID, index)
		if err != nil {
			return err
		}
		if it.Status != domain.IterationRunning {
			return PrerequisiteError{Reason: fmt.Sprintf("iteration %d is %s, gates need RUNNING", index, it.Status)}
		}
		res = domain.QualityGateResult{
			ID:          uuid.NewString(),
			IterationID: it.ID,
			GateType:    g.GateType,
			Passed:      g.Passed,
			DurationMs:  g.DurationMs,
			Report:      g.Report,
			CreatedAt:   domain.Timestamp(e.now()),
		}
		if g.LogsRef != "" {
			ref := g.LogsRef
			res.LogsRef = &ref
		}
		if err := e.Repo.InsertGateResult(ctx, tx, res); err != nil {
			return fmt.Errorf("insert gate result: %w", err)
		}
		if err := e.touch(ctx, tx, &run); err != nil {
			return err
		}
		_, err = e.appendEvent(ctx, tx, runID, it.ID, "", events.Opaque{Type: domain.EventQualityGate, Fields: map[string]any{
			"gateType":       string(g.GateType),
			"passed":         g.Passed,
			"durationMs":     g.DurationMs,
			"iterationIndex": index,
		}})
		return err
	})
	return res, err
}

func (e Engine) moveIteration(ctx context.Context, runID string, index int, to domain.IterationStatus, after func(tx *sql.Tx, run *domain.DevelopmentRun, it domain.IterationRun) error) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		run, err := e.runningRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		it, err := e.iterationAt(ctx, tx, runID, index)
		if err != nil {
			return err
		}
		if err := e.transitionIteration(ctx, tx, runID, &it, to); err != nil {
			return err
		}
		if after != nil {
			if err := after(tx, &run, it); err != nil {
				return err
			}
		}
		return e.touch(ctx, tx, &run)
	})
}

// GateIteration marks a RUNNING iteration GATED once its gates passed. A
// non-empty deployURL is kept for the later deploy, which may come after a
// checkpoint.
func (e Engine) GateIteration(ctx context.Context, runID string, index int, deployURL string) error {
	return e.moveIteration(ctx, runID, index, domain.IterationGated, func(tx *sql.Tx, _ *domain.DevelopmentRun, it domain.IterationRun) error {
		if deployURL == "" {
			return nil
		}
		return e.Repo.SetIterationDeployURL(ctx, tx, it.ID, deployURL)
	})
}

// MergeIteration marks a GATED iteration MERGED without a human checkpoint.
func (e Engine) MergeIteration(ctx context.Context, runID string, index int) error {
	return e.moveIteration(ctx, runID, index, domain.IterationMerged, nil)
}

// DeployIteration marks a MERGED iteration DEPLOYED and records where. An
// empty url falls back to the one stored when the iteration was gated.
func (e Engine) DeployIteration(ctx context.Context, runID string, index int, url string) error {
	return e.moveIteration(ctx, runID, index, domain.IterationDeployed, func(tx *sql.Tx, _ *domain.DevelopmentRun, it domain.IterationRun) error {
		fields := map[string]any{"status": "deployed", "iterationIndex": index}
		if url == "" && it.DeployURL != nil {
			url = *it.DeployURL
		}
		if url != "" {
			fields["url"] = url
		}
		_, err := e.appendEvent(ctx, tx, runID, it.ID, "", events.Opaque{Type: domain.EventDeployStatus, Fields: fields})
		return err
	})
}

// ReachCheckpoint parks a RUNNING run at a gated iteration until an owner
// resumes or approves it.
func (e Engine) ReachCheckpoint(ctx context.Context, runID string, index int) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		run, err := e.runningRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		it, err := e.iterationAt(ctx, tx, runID, index)
		if err != nil {
			return err
		}
		idx := it.Index
		_, err = e.transitionRun(ctx, tx, &run, runChange{
			To: domain.RunWaitingCheckpoint, Action: events.ActionCheckpoint, Index: &idx,
			Message: fmt.Sprintf("Waiting for approval of iteration %d", idx),
		})
		return err
	})
}

// FailRun fails the run and, when index is positive, its in-flight iteration.
func (e Engine) FailRun(ctx context.Context, runID string, index int, reason string) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		run, err := e.Repo.GetRun(ctx, tx, runID)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrRunNotFound
		}
		if err != nil {
			return err
		}
		if run.Status != domain.RunRunning && run.Status != domain.RunQueued {
			return fmt.Errorf("%w: %s", ErrRunNotRunning, run.Status)
		}
		iterationID := ""
		if index > 0 {
			it, err := e.iterationAt(ctx, tx, runID, index)
			if err != nil {
				return err
			}
			iterationID = it.ID
			if it.Status == domain.IterationRunning || it.Status == domain.IterationGated {
				if err := e.transitionIteration(ctx, tx, runID, &it, domain.IterationFailed); err != nil {
					return err
				}
			}
		}
		if _, err := e.appendEvent(ctx, tx, runID, iterationID, reason, events.Opaque{Type: domain.EventError, Fields: map[string]any{"iterationIndex": index}}); err != nil {
			return err
		}
		_, err = e.transitionRun(ctx, tx, &run, runChange{To: domain.RunFailed, Reason: reason, Message: "Run failed"})
		return err
	})
}

// SucceedRun finishes a RUNNING run whose iterations are all merged or deployed.
func (e Engine) SucceedRun(ctx context.Context, runID string) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		run, err := e.runningRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		its, err := e.Repo.ListIterations(ctx, tx, runID)
		if err != nil {
			return err
		}
		for _, it := range its {
			if !it.Status.Done() {
				return PrerequisiteError{Reason: fmt.Sprintf("iteration %d is %s", it.Index, it.Status)}
			}
		}
		_, err = e.transitionRun(ctx, tx, &run, runChange{To: domain.RunSucceeded, Message: "Run succeeded"})
		return err
	})
}

// AppendEvent records an informational event from the execution engine and
// bumps the run's updatedAt. Status events must go through transitions.
func (e Engine) AppendEvent(ctx context.Context, runID string, index int, typ domain.EventType, message string, fields map[string]any) (domain.DevelopmentEvent, error) {
	switch typ {
	case domain.EventAgentTask, domain.EventQualityGate, domain.EventDeployStatus, domain.EventError, domain.EventInfo:
	default:
		return domain.DevelopmentEvent{}, invalidInput("event type %q cannot be appended directly", typ)
	}
	var evt domain.DevelopmentEvent
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		run, err := e.Repo.GetRun(ctx, tx, runID)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrRunNotFound
		}
		if err != nil {
			return err
		}
		iterationID := ""
		if index > 0 {
			it, err := e.iterationAt(ctx, tx, runID, index)
			if err != nil {
				return err
			}
			iterationID = it.ID
		}
		if !run.Status.Terminal() {
			if err := e.touch(ctx, tx, &run); err != nil {
				return err
			}
		}
		evt, err = e.appendEvent(ctx, tx, runID, iterationID, message, events.Opaque{Type: typ, Fields: fields})
		return err
	})
	return evt, err
}

// RunIterations lists a run's iterations for the execution engine.
func (e Engine) RunIterations(ctx context.Context, runID string) ([]domain.IterationRun, error) {
	return e.Repo.ListIterations(ctx, nil, runID)
}

// PendingRuns returns QUEUED runs, oldest first, for the worker to pick up.
func (e Engine) PendingRuns(ctx context.Context, limit int) ([]domain.DevelopmentRun, error) {
	return e.Repo.RunsByStatus(ctx, []domain.RunStatus{domain.RunQueued}, limit)
}
