package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"truecoding/internal/domain"
	"truecoding/internal/events"
	"truecoding/internal/repo"
)

type CheckpointAction string

const (
	CheckpointPause   CheckpointAction = "pause"
	CheckpointResume  CheckpointAction = "resume"
	CheckpointApprove CheckpointAction = "approve"
)

func (a CheckpointAction) Valid() bool {
	return a == CheckpointPause || a == CheckpointResume || a == CheckpointApprove
}

type CheckpointInput struct {
	ProjectID      string
	RunID          string
	CallerID       string
	IterationIndex int
	Action         CheckpointAction
}

// CheckpointResult confirms the outcome; it is not a stream of it.
type CheckpointResult struct {
	RunID          string           `json:"run_id"`
	Status         domain.RunStatus `json:"status"`
	Action         CheckpointAction `json:"action"`
	IterationIndex int              `json:"iteration_index"`
}

// Checkpoint applies pause, resume or approve at (run, iteration).
//
//	pause:   QUEUED|RUNNING      -> WAITING_CHECKPOINT
//	resume:  WAITING_CHECKPOINT  -> RUNNING
//	approve: WAITING_CHECKPOINT  -> RUNNING, with the GATED iteration merged
func (e Engine) Checkpoint(ctx context.Context, in CheckpointInput) (CheckpointResult, error) {
	if in.IterationIndex <= 0 {
		return CheckpointResult{}, invalidInput("iteration index must be a positive integer")
	}
	if !in.Action.Valid() {
		return CheckpointResult{}, invalidInput("unknown checkpoint action %q", in.Action)
	}
	if _, err := e.authorize(ctx, in.ProjectID, in.CallerID); err != nil {
		return CheckpointResult{}, err
	}
	var run domain.DevelopmentRun
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		run, err = e.loadRun(ctx, tx, in.ProjectID, in.RunID)
		if err != nil {
			return err
		}
		it, err := e.Repo.GetIterationByIndex(ctx, tx, in.RunID, in.IterationIndex)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrIterationNotFound
		}
		if err != nil {
			return err
		}
		idx := it.Index
		switch in.Action {
		case CheckpointPause:
			if run.Status != domain.RunRunning && run.Status != domain.RunQueued {
				return PrerequisiteError{Reason: fmt.Sprintf("cannot pause a %s run", run.Status)}
			}
			_, err = e.transitionRun(ctx, tx, &run, runChange{
				To: domain.RunWaitingCheckpoint, Action: events.ActionPause, Index: &idx,
				Message: fmt.Sprintf("Paused at iteration %d", idx),
			})
		case CheckpointResume:
			if run.Status != domain.RunWaitingCheckpoint {
				return PrerequisiteError{Reason: fmt.Sprintf("cannot resume a %s run", run.Status)}
			}
			_, err = e.transitionRun(ctx, tx, &run, runChange{
				To: domain.RunRunning, Action: events.ActionResume, Index: &idx,
				Message: fmt.Sprintf("Resumed at iteration %d", idx),
			})
		case CheckpointApprove:
			if run.Status != domain.RunWaitingCheckpoint {
				return PrerequisiteError{Reason: fmt.Sprintf("cannot approve a %s run", run.Status)}
			}
			if it.Status != domain.IterationGated {
				return PrerequisiteError{Reason: fmt.Sprintf("iteration %d is %s, approval needs GATED", idx, it.Status)}
			}
			if err := e.transitionIteration(ctx, tx, run.ID, &it, domain.IterationMerged); err != nil {
				return err
			}
			_, err = e.transitionRun(ctx, tx, &run, runChange{
				To: domain.RunRunning, Action: events.ActionApprove, Index: &idx,
				Message: fmt.Sprintf("Iteration %d approved", idx),
			})
		}
		return err
	})
	if err != nil {
		return CheckpointResult{}, err
	}
	if in.Action != CheckpointPause {
		e.dispatch(ctx, run.ID)
	}
	return CheckpointResult{
		RunID:          run.ID,
		Status:         run.Status,
		Action:         in.Action,
		IterationIndex: in.IterationIndex,
	}, nil
}

type RecoverResult struct {
	RunID             string           `json:"run_id"`
	Status            domain.RunStatus `json:"status"`
	AlreadyProcessing bool             `json:"already_processing"`
}

// Recover nudges a QUEUED or RUNNING run that no local worker is driving.
// Live runs and runs in any other status are not recoverable.
func (e Engine) Recover(ctx context.Context, projectID, runID, callerID string) (RecoverResult, error) {
	if _, err := e.authorize(ctx, projectID, callerID); err != nil {
		return RecoverResult{}, err
	}
	var run domain.DevelopmentRun
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		run, err = e.loadRun(ctx, tx, projectID, runID)
		if err != nil {
			return err
		}
		if run.Status != domain.RunQueued && run.Status != domain.RunRunning {
			return fmt.Errorf("%w: run is %s", ErrNotRecoverable, run.Status)
		}
		if e.isLive(run.ID) {
			return fmt.Errorf("%w: run is being processed", ErrNotRecoverable)
		}
		_, err = e.transitionRun(ctx, tx, &run, runChange{
			To:      run.Status,
			Action:  events.ActionManualResume,
			Message: "Manual recovery requested",
		})
		return err
	})
	if err != nil {
		return RecoverResult{}, err
	}
	res := RecoverResult{RunID: run.ID, Status: run.Status}
	if e.Dispatcher != nil {
		started, err := e.dispatch(ctx, run.ID)
		res.AlreadyProcessing = err == nil && !started
	}
	return res, nil
}
