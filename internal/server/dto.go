package server

import (
	"truecoding/internal/domain"
	"truecoding/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	Name string `json:"name" minLength:"1"`
}

// SetPlanRequest carries an opaque plan document; it is stored as sent.
type SetPlanRequest struct {
	Content any `json:"content"`
}

// StartRunRequest optionally carries an approved plan. Both fields or
// neither must be present.
type StartRunRequest struct {
	Assessment any `json:"assessment,omitempty"`
	Iterations any `json:"iterations,omitempty"`
}

type CheckpointRequest struct {
	Action string `json:"action" enum:"pause,resume,approve"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

type StartRunResponse struct {
	Run           engine.RunView `json:"run"`
	AlreadyActive bool           `json:"already_active"`
}

// StartRunOutput sets 201 for a new run and 200 for an already active one.
type StartRunOutput struct {
	Status int
	Body   StartRunResponse
}

type RunListResponse struct {
	Items []engine.RunView `json:"items"`
}

type IterationListResponse struct {
	Items []domain.IterationRun `json:"items"`
}

type EventPage struct {
	Items []domain.DevelopmentEvent `json:"items"`
	// NextAfter is the cursor for the next page.
	NextAfter int64 `json:"next_after"`
}

type streamDone struct {
	Status       domain.RunStatus `json:"status"`
	LastSequence int64            `json:"last_sequence"`
}

type streamError struct {
	Message string `json:"message"`
}
