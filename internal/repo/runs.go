package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"truecoding/internal/domain"
)

const runColumns = `id,project_id,status,current_iteration,total_iterations,error_summary,created_at,started_at,updated_at,finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (domain.DevelopmentRun, error) {
	var run domain.DevelopmentRun
	var status string
	var errSummary, startedAt, finishedAt sql.NullString
	err := row.Scan(&run.ID, &run.ProjectID, &status, &run.CurrentIteration, &run.TotalIterations,
		&errSummary, &run.CreatedAt, &startedAt, &run.UpdatedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.Status = domain.RunStatus(status)
	run.ErrorSummary = stringPtr(errSummary)
	run.StartedAt = stringPtr(startedAt)
	run.FinishedAt = stringPtr(finishedAt)
	return run, nil
}

// InsertRun stores a new run. plan may be nil for self-planned runs.
func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.DevelopmentRun, plan *domain.ApprovedPlan) error {
	var planJSON any
	if plan != nil {
		data, err := json.Marshal(plan)
		if err != nil {
			return fmt.Errorf("marshal approved plan: %w", err)
		}
		planJSON = string(data)
	}
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO dev_runs(id,project_id,status,current_iteration,total_iterations,error_summary,approved_plan_json,created_at,started_at,updated_at,finished_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.ProjectID, string(run.Status), run.CurrentIteration, run.TotalIterations,
		nullableStringPtr(run.ErrorSummary), planJSON, run.CreatedAt,
		nullableStringPtr(run.StartedAt), run.UpdatedAt, nullableStringPtr(run.FinishedAt))
	return err
}

func (r Repo) GetRun(ctx context.Context, tx *sql.Tx, runID string) (domain.DevelopmentRun, error) {
	return scanRun(r.on(tx).QueryRowContext(ctx, `SELECT `+runColumns+` FROM dev_runs WHERE id=?`, runID))
}

// GetProjectRun returns ErrNotFound when the run exists but belongs to another project.
func (r Repo) GetProjectRun(ctx context.Context, tx *sql.Tx, projectID, runID string) (domain.DevelopmentRun, error) {
	return scanRun(r.on(tx).QueryRowContext(ctx, `SELECT `+runColumns+` FROM dev_runs WHERE id=? AND project_id=?`, runID, projectID))
}

// ActiveRun returns the project's non-terminal run, if any.
func (r Repo) ActiveRun(ctx context.Context, tx *sql.Tx, projectID string) (domain.DevelopmentRun, error) {
	active := []domain.RunStatus{domain.RunQueued, domain.RunRunning, domain.RunWaitingCheckpoint}
	args := append([]any{projectID}, statusArgs(active)...)
	return scanRun(r.on(tx).QueryRowContext(ctx, `SELECT `+runColumns+` FROM dev_runs WHERE project_id=? AND status IN (`+placeholders(len(active))+`) ORDER BY created_at DESC LIMIT 1`, args...))
}

// ListRuns returns the most recent runs for a project, newest first.
func (r Repo) ListRuns(ctx context.Context, projectID string, limit int) ([]domain.DevelopmentRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM dev_runs WHERE project_id=? ORDER BY created_at DESC, id DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	return collectRuns(rows)
}

// RunsByStatus returns runs in any of statuses, oldest first.
func (r Repo) RunsByStatus(ctx context.Context, statuses []domain.RunStatus, limit int) ([]domain.DevelopmentRun, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	args := append(statusArgs(statuses), limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM dev_runs WHERE status IN (`+placeholders(len(statuses))+`) ORDER BY created_at ASC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	return collectRuns(rows)
}

func collectRuns(rows *sql.Rows) ([]domain.DevelopmentRun, error) {
	defer rows.Close()
	var res []domain.DevelopmentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// UpdateRun persists every mutable column of run.
func (r Repo) UpdateRun(ctx context.Context, tx *sql.Tx, run domain.DevelopmentRun) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE dev_runs SET status=?, current_iteration=?, total_iterations=?, error_summary=?, started_at=?, updated_at=?, finished_at=? WHERE id=?`,
		string(run.Status), run.CurrentIteration, run.TotalIterations, nullableStringPtr(run.ErrorSummary),
		nullableStringPtr(run.StartedAt), run.UpdatedAt, nullableStringPtr(run.FinishedAt), run.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountRuns counts a project's runs in any status.
func (r Repo) CountRuns(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM dev_runs WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}
