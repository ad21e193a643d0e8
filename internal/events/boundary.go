package events

import (
	"strings"

	"truecoding/internal/domain"
)

var resumeActions = map[string]bool{
	ActionResume:       true,
	ActionApprove:      true,
	ActionRetry:        true,
	ActionManualResume: true,
	ActionAutoResume:   true,
}

const retryRequestedMarker = "retry requested"

// RetryBoundary returns the sequence of the run_status event that began the
// current attempt, or 0 when the whole history belongs to it. A RUNNING event
// starts an attempt when it carries a resume-like action, when it has no
// action and follows WAITING_CHECKPOINT or FAILED, or when its message says a
// retry was requested. The last such event wins. Events are expected in
// ascending sequence order.
func RetryBoundary(evts []domain.DevelopmentEvent) int64 {
	var (
		boundary int64
		previous domain.RunStatus
	)
	for _, evt := range evts {
		if evt.EventType != domain.EventRunStatus {
			continue
		}
		p, _ := DecodeRunStatus(evt)
		if p.Status == domain.RunRunning && startsAttempt(p, previous, evt.Message) {
			boundary = evt.Sequence
		}
		previous = p.Status
	}
	return boundary
}

func startsAttempt(p RunStatus, previous domain.RunStatus, message *string) bool {
	if resumeActions[p.Action] {
		return true
	}
	if p.Action == "" && (previous == domain.RunWaitingCheckpoint || previous == domain.RunFailed) {
		return true
	}
	return message != nil && strings.Contains(strings.ToLower(*message), retryRequestedMarker)
}
