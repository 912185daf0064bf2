package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"siteorder/internal/repo"
)

// ForbiddenError indicates a worker acting outside their projects.
type ForbiddenError struct {
	WorkerID  string
	ProjectID string
}

func (e ForbiddenError) Error() string {
	return "Not assigned to this project"
}

// Service answers project membership questions.
type Service struct {
	Repo repo.Repo
}

// RequireAssignment fails with repo.ErrNotFound for an unknown project and
// ForbiddenError when the worker is not on it.
func (s Service) RequireAssignment(ctx context.Context, tx *sql.Tx, projectID, workerID string) error {
	if workerID == "" {
		return errors.New("worker_id required")
	}
	if projectID == "" {
		return errors.New("project_id required")
	}
	if _, err := s.Repo.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("project %s: %w", projectID, repo.ErrNotFound)
		}
		return err
	}
	ok, err := s.Repo.WorkerAssigned(ctx, tx, projectID, workerID)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{WorkerID: workerID, ProjectID: projectID}
	}
	return nil
}

// Projects lists the projects a worker may order for.
func (s Service) Projects(ctx context.Context, workerID string) ([]string, error) {
	return s.Repo.WorkerProjects(ctx, workerID)
}
