package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"truecoding/internal/domain"
)

const iterationColumns = `id,run_id,idx,name,slug,scope_json,gherkin_path,status,deploy_url,created_at,updated_at`

func scanIteration(row scanner) (domain.IterationRun, error) {
	var it domain.IterationRun
	var scope, status string
	var deployURL sql.NullString
	err := row.Scan(&it.ID, &it.RunID, &it.Index, &it.Name, &it.Slug, &scope, &it.GherkinPath, &status, &deployURL, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.Status = domain.IterationStatus(status)
	it.DeployURL = stringPtr(deployURL)
	if err := json.Unmarshal([]byte(scope), &it.Scope); err != nil {
		return it, fmt.Errorf("decode scope for iteration %s: %w", it.ID, err)
	}
	return it, nil
}

func (r Repo) InsertIteration(ctx context.Context, tx *sql.Tx, it domain.IterationRun) error {
	scope, err := json.Marshal(it.Scope)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO dev_iterations(`+iterationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.RunID, it.Index, it.Name, it.Slug, string(scope), it.GherkinPath, string(it.Status), nullableStringPtr(it.DeployURL), it.CreatedAt, it.UpdatedAt)
	return err
}

// ListIterations returns a run's iterations ordered by index.
func (r Repo) ListIterations(ctx context.Context, tx *sql.Tx, runID string) ([]domain.IterationRun, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+iterationColumns+` FROM dev_iterations WHERE run_id=? ORDER BY idx ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IterationRun
	for rows.Next() {
		it, err := scanIteration(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) GetIterationByIndex(ctx context.Context, tx *sql.Tx, runID string, index int) (domain.IterationRun, error) {
	return scanIteration(r.on(tx).QueryRowContext(ctx, `SELECT `+iterationColumns+` FROM dev_iterations WHERE run_id=? AND idx=?`, runID, index))
}

func (r Repo) UpdateIterationStatus(ctx context.Context, tx *sql.Tx, id string, status domain.IterationStatus, updatedAt string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE dev_iterations SET status=?, updated_at=? WHERE id=?`, string(status), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetIterationDeployURL records where an iteration is previewed.
func (r Repo) SetIterationDeployURL(ctx context.Context, tx *sql.Tx, id, url string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE dev_iterations SET deploy_url=? WHERE id=?`, url, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertGateResult(ctx context.Context, tx *sql.Tx, g domain.QualityGateResult) error {
	var report any
	if len(g.Report) > 0 {
		report = string(g.Report)
	}
	passed := 0
	if g.Passed {
		passed = 1
	}
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO quality_gate_results(id,iteration_id,gate_type,passed,duration_ms,logs_ref,report_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		g.ID, g.IterationID, string(g.GateType), passed, g.DurationMs, nullableStringPtr(g.LogsRef), report, g.CreatedAt)
	return err
}

// GatesByRun returns gate results for every iteration of runID keyed by iteration id.
func (r Repo) GatesByRun(ctx context.Context, runID string) (map[string][]domain.QualityGateResult, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT g.id,g.iteration_id,g.gate_type,g.passed,g.duration_ms,g.logs_ref,g.report_json,g.created_at
FROM quality_gate_results g JOIN dev_iterations i ON i.id=g.iteration_id
WHERE i.run_id=? ORDER BY g.created_at ASC, g.id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]domain.QualityGateResult{}
	for rows.Next() {
		var g domain.QualityGateResult
		var gateType string
		var passed int
		var logsRef, report sql.NullString
		if err := rows.Scan(&g.ID, &g.IterationID, &gateType, &passed, &g.DurationMs, &logsRef, &report, &g.CreatedAt); err != nil {
			return nil, err
		}
		g.GateType = domain.GateType(gateType)
		g.Passed = passed == 1
		g.LogsRef = stringPtr(logsRef)
		if report.Valid {
			g.Report = json.RawMessage(report.String)
		}
		out[g.IterationID] = append(out[g.IterationID], g)
	}
	return out, rows.Err()
}
