package app

import (
	"context"
	"fmt"

	"quorum/internal/config"
	"quorum/internal/db"
	"quorum/internal/domain"
	"quorum/internal/engine"
	"quorum/internal/migrate"
	"quorum/internal/repo"
)

// Open opens the workspace database, applies migrations, loads the engine
// config and returns a ready engine. Callers own closing engine.DB.
func Open(workspace string) (engine.Engine, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return engine.Engine{}, err
	}
	return engine.New(conn, cfg), nil
}

// ResolveCommunity picks the active community: the explicit override when
// given, otherwise the only community in the workspace.
func ResolveCommunity(ctx context.Context, override string, r repo.Repo) (domain.Community, error) {
	if override != "" {
		return r.GetCommunity(ctx, override)
	}
	communities, err := r.ListCommunities(ctx)
	if err != nil {
		return domain.Community{}, err
	}
	switch len(communities) {
	case 0:
		return domain.Community{}, fmt.Errorf("no community exists; create one with quorum community create")
	case 1:
		return communities[0], nil
	default:
		return domain.Community{}, fmt.Errorf("multiple communities exist; specify --community")
	}
}
