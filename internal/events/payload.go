package events

import (
	"encoding/json"

	"truecoding/internal/domain"
)

// Run status actions recorded on run_status events.
const (
	ActionStart        = "start"
	ActionPause        = "pause"
	ActionResume       = "resume"
	ActionApprove      = "approve"
	ActionRetry        = "retry"
	ActionManualResume = "manual_resume"
	ActionAutoResume   = "auto_resume"
	ActionCancel       = "cancel"
	ActionCheckpoint   = "checkpoint"
)

// Payload is the tagged union stored in DevelopmentEvent.Payload; the tag is
// the event type. run_status and iteration_status are typed, everything the
// execution engine emits beyond that travels as Opaque.
type Payload interface {
	EventType() domain.EventType
}

type RunStatus struct {
	Status         domain.RunStatus `json:"status"`
	From           domain.RunStatus `json:"from,omitempty"`
	Action         string           `json:"action,omitempty"`
	IterationIndex *int             `json:"iterationIndex,omitempty"`
	Reason         string           `json:"reason,omitempty"`
}

func (RunStatus) EventType() domain.EventType { return domain.EventRunStatus }

type IterationStatus struct {
	Status         domain.IterationStatus `json:"status"`
	From           domain.IterationStatus `json:"from,omitempty"`
	IterationIndex int                    `json:"iterationIndex"`
}

func (IterationStatus) EventType() domain.EventType { return domain.EventIterationStatus }

// Opaque carries a free-form structured payload for the remaining event types.
type Opaque struct {
	Type   domain.EventType
	Fields map[string]any
}

func (o Opaque) EventType() domain.EventType { return o.Type }

func (o Opaque) MarshalJSON() ([]byte, error) {
	if o.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(o.Fields)
}

// DecodeRunStatus reads status/action/iterationIndex from a run_status event.
// Fields with unexpected JSON types are ignored rather than reported.
func DecodeRunStatus(evt domain.DevelopmentEvent) (RunStatus, bool) {
	if evt.EventType != domain.EventRunStatus || len(evt.Payload) == 0 {
		return RunStatus{}, false
	}
	var raw map[string]any
	if err := json.Unmarshal(evt.Payload, &raw); err != nil {
		return RunStatus{}, false
	}
	var out RunStatus
	if s, ok := raw["status"].(string); ok {
		out.Status = domain.RunStatus(s)
	}
	if s, ok := raw["from"].(string); ok {
		out.From = domain.RunStatus(s)
	}
	if s, ok := raw["action"].(string); ok {
		out.Action = s
	}
	if s, ok := raw["reason"].(string); ok {
		out.Reason = s
	}
	if f, ok := raw["iterationIndex"].(float64); ok {
		idx := int(f)
		out.IterationIndex = &idx
	}
	return out, true
}

// Fields decodes any event payload as a generic object.
func Fields(evt domain.DevelopmentEvent) map[string]any {
	if len(evt.Payload) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(evt.Payload, &out); err != nil {
		return nil
	}
	return out
}
