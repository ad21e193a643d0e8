package engine

import (
	"truecoding/internal/domain"
	"truecoding/internal/events"
)

var runTransitions = map[domain.RunStatus][]domain.RunStatus{
	domain.RunQueued:            {domain.RunRunning, domain.RunWaitingCheckpoint, domain.RunCanceled, domain.RunFailed},
	domain.RunRunning:           {domain.RunWaitingCheckpoint, domain.RunFailed, domain.RunCanceled, domain.RunSucceeded},
	domain.RunWaitingCheckpoint: {domain.RunRunning, domain.RunCanceled},
	domain.RunFailed:            {domain.RunRunning},
}

// ensureRunTransition checks from -> to under action. Same-status writes are
// only legal as recovery nudges; leaving FAILED is only legal as a retry.
func ensureRunTransition(from, to domain.RunStatus, action string) error {
	if from == to {
		if (action == events.ActionManualResume || action == events.ActionAutoResume) &&
			(from == domain.RunQueued || from == domain.RunRunning) {
			return nil
		}
		return TransitionError{Entity: "run", From: string(from), To: string(to)}
	}
	if from == domain.RunFailed && action != events.ActionRetry {
		return TransitionError{Entity: "run", From: string(from), To: string(to)}
	}
	for _, allowed := range runTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return TransitionError{Entity: "run", From: string(from), To: string(to)}
}

var iterationTransitions = map[domain.IterationStatus][]domain.IterationStatus{
	domain.IterationPending: {domain.IterationRunning},
	domain.IterationRunning: {domain.IterationGated, domain.IterationFailed},
	domain.IterationGated:   {domain.IterationMerged, domain.IterationFailed},
	domain.IterationMerged:  {domain.IterationDeployed},
	domain.IterationFailed:  {domain.IterationPending},
}

func ensureIterationTransition(from, to domain.IterationStatus) error {
	for _, allowed := range iterationTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return TransitionError{Entity: "iteration", From: string(from), To: string(to)}
}
