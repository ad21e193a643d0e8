package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"truecoding/internal/domain"
)

// ErrProjectNotFound is returned when the project does not exist.
var ErrProjectNotFound = errors.New("project not found")

// ForbiddenError indicates the caller does not own the project.
type ForbiddenError struct {
	ProjectID string
	CallerID  string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("caller %s does not own project %s", e.CallerID, e.ProjectID)
}

// Service answers ownership questions backed by SQL.
type Service struct {
	DB *sql.DB
}

// AssertOwnership returns the project when callerID owns it.
func (s Service) AssertOwnership(ctx context.Context, projectID, callerID string) (domain.Project, error) {
	var p domain.Project
	err := s.DB.QueryRowContext(ctx, `SELECT id,owner_id,name,created_at FROM projects WHERE id=?`, projectID).
		Scan(&p.ID, &p.OwnerID, &p.Name, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Project{}, ErrProjectNotFound
	}
	if err != nil {
		return domain.Project{}, err
	}
	if callerID == "" || p.OwnerID != callerID {
		return domain.Project{}, ForbiddenError{ProjectID: projectID, CallerID: callerID}
	}
	return p, nil
}
