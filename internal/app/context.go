package app

import (
	"context"
	"fmt"
	"time"

	"github.com/queso/the-ai-team-plugin-sub002/internal/config"
	"github.com/queso/the-ai-team-plugin-sub002/internal/repo"
)

// ResolveProjectAndConfig picks the active project and makes sure its row
// exists in the store. The project id comes from the --project override, then
// ateam.yml, then the built-in default. Missing config falls back to defaults;
// a present but invalid one is an error.
func ResolveProjectAndConfig(ctx context.Context, workspace, projectOverride string, r repo.Repo) (string, *config.Config, error) {
	cfg, err := config.Load(workspace, projectOverride)
	if err != nil {
		return "", nil, fmt.Errorf("load config: %w", err)
	}
	projectID := projectOverride
	if projectID == "" {
		projectID = cfg.Project.ID
	}
	if projectID == "" {
		projectID = "ateam"
		cfg.Project.ID = projectID
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if err := r.EnsureProject(ctx, projectID, projectID, now); err != nil {
		return "", nil, fmt.Errorf("ensure project: %w", err)
	}
	return projectID, cfg, nil
}
