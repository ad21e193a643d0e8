package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"truecoding/internal/domain"
)

const eventColumns = `id,run_id,sequence,event_type,iteration_id,message,payload_json,created_at`

func scanEvent(row scanner) (domain.DevelopmentEvent, error) {
	var e domain.DevelopmentEvent
	var typ string
	var iterationID, message, payload sql.NullString
	if err := row.Scan(&e.ID, &e.RunID, &e.Sequence, &typ, &iterationID, &message, &payload, &e.CreatedAt); err != nil {
		return e, err
	}
	e.EventType = domain.EventType(typ)
	e.IterationID = stringPtr(iterationID)
	e.Message = stringPtr(message)
	if payload.Valid {
		e.Payload = json.RawMessage(payload.String)
	}
	return e, nil
}

func collectEvents(rows *sql.Rows) ([]domain.DevelopmentEvent, error) {
	defer rows.Close()
	var res []domain.DevelopmentEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns a run's events with sequence greater than after, ascending.
func (r Repo) EventsAfter(ctx context.Context, runID string, after int64, limit int) ([]domain.DevelopmentEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM dev_events WHERE run_id=? AND sequence>? ORDER BY sequence ASC LIMIT ?`, runID, after, limit)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// RunEvents returns a run's full history in sequence order.
func (r Repo) RunEvents(ctx context.Context, runID string) ([]domain.DevelopmentEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM dev_events WHERE run_id=? ORDER BY sequence ASC`, runID)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// EventsAfterID returns events across all runs with id greater than cursor.
// Used by consumers that follow the whole log, such as webhook delivery.
func (r Repo) EventsAfterID(ctx context.Context, cursor int64, limit int) ([]domain.DevelopmentEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM dev_events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// LatestEventID returns the highest event id in the log, or 0.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM dev_events`).Scan(&id)
	return id, err
}
