package app

import (
	"context"
	"errors"
	"fmt"

	"siteorder/internal/config"
	"siteorder/internal/domain"
	"siteorder/internal/repo"
)

// ResolveProject picks the active project. It prefers the override, then the
// configured project, then the only project in the database.
func ResolveProject(ctx context.Context, override string, cfg *config.Config, r repo.Repo) (domain.Project, error) {
	projectID := override
	if projectID == "" && cfg != nil {
		projectID = cfg.Project.ID
	}
	if projectID == "" {
		p, err := r.SingleProject(ctx)
		if err != nil {
			return domain.Project{}, fmt.Errorf("project not specified; use --project")
		}
		return p, nil
	}
	p, err := r.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Project{}, fmt.Errorf("project %s not found; create it with so project create", projectID)
		}
		return domain.Project{}, err
	}
	return p, nil
}

// ResolveWorker returns the worker id for CLI commands: the flag, then the
// SITEORDER_WORKER environment value bound through viper.
func ResolveWorker(flag, fallback string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", fmt.Errorf("worker not specified; use --worker or SITEORDER_WORKER")
}
