package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"truecoding/internal/domain"
)

// Writer appends to the per-run event log. It always runs inside the caller's
// transaction so the event commits together with the state change it records.
type Writer struct {
	Now func() time.Time
}

// Append assigns the next sequence for runID and inserts the event. The
// sequence is computed and written by a single statement guarded by
// UNIQUE(run_id, sequence), so concurrent writers can never share or skip one.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, runID, iterationID, message string, payload Payload) (domain.DevelopmentEvent, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if tx == nil {
		return domain.DevelopmentEvent{}, fmt.Errorf("append event: transaction required")
	}
	if payload == nil {
		payload = Opaque{Type: domain.EventInfo}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.DevelopmentEvent{}, fmt.Errorf("marshal event payload: %w", err)
	}
	evt := domain.DevelopmentEvent{
		RunID:       runID,
		EventType:   payload.EventType(),
		IterationID: optional(iterationID),
		Message:     optional(message),
		Payload:     data,
		CreatedAt:   domain.Timestamp(w.Now()),
	}
	err = tx.QueryRowContext(ctx, `INSERT INTO dev_events(run_id,sequence,event_type,iteration_id,message,payload_json,created_at)
SELECT ?, COALESCE(MAX(sequence),0)+1, ?, ?, ?, ?, ? FROM dev_events WHERE run_id=?
RETURNING id, sequence`,
		runID, string(evt.EventType), nullable(iterationID), nullable(message), string(data), evt.CreatedAt, runID).
		Scan(&evt.ID, &evt.Sequence)
	if err != nil {
		return domain.DevelopmentEvent{}, fmt.Errorf("append %s event: %w", evt.EventType, err)
	}
	return evt, nil
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
