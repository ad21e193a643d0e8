package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"truecoding/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// on returns tx when non-nil, otherwise the pooled DB.
func (r Repo) on(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

const projectColumns = `id,owner_id,name,created_at`

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?)`,
		p.ID, p.OwnerID, p.Name, p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context, ownerID string) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id=?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Name, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpsertPlan records the latest version of one upstream plan for a project.
func (r Repo) UpsertPlan(ctx context.Context, tx *sql.Tx, plan domain.ProjectPlan) error {
	if len(plan.Content) == 0 {
		plan.Content = json.RawMessage(`{}`)
	}
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO project_plans(project_id,kind,content_json,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id,kind) DO UPDATE SET content_json=excluded.content_json, updated_at=excluded.updated_at`,
		plan.ProjectID, string(plan.Kind), string(plan.Content), plan.UpdatedAt)
	return err
}

func (r Repo) ListPlans(ctx context.Context, projectID string) ([]domain.ProjectPlan, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,kind,content_json,updated_at FROM project_plans WHERE project_id=? ORDER BY kind`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectPlan
	for rows.Next() {
		var p domain.ProjectPlan
		var kind, content string
		if err := rows.Scan(&p.ProjectID, &kind, &content, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Kind = domain.PlanKind(kind)
		p.Content = json.RawMessage(content)
		res = append(res, p)
	}
	return res, rows.Err()
}

// MissingPlans returns the required plan kinds not yet recorded for projectID.
func (r Repo) MissingPlans(ctx context.Context, projectID string) ([]domain.PlanKind, error) {
	plans, err := r.ListPlans(ctx, projectID)
	if err != nil {
		return nil, err
	}
	have := map[domain.PlanKind]bool{}
	for _, p := range plans {
		have[p.Kind] = true
	}
	var missing []domain.PlanKind
	for _, kind := range domain.RequiredPlans {
		if !have[kind] {
			missing = append(missing, kind)
		}
	}
	return missing, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func statusArgs[T ~string](statuses []T) []any {
	out := make([]any, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// IsUniqueViolation reports whether err came from a UNIQUE constraint or index.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
