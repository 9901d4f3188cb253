package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mizan/internal/config"
	"mizan/internal/repo"
)

// ResolveDeskAndConfig picks the active desk and ensures a desk + config
// exist in DB, seeding defaults if missing. It prefers overrides, then
// single-desk DB. If the desk does not exist, it is created on the fly.
func ResolveDeskAndConfig(ctx context.Context, workspace, deskOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	deskID := deskOverride
	if deskID == "" {
		if id, err := r.SingleDesk(ctx); err == nil {
			deskID = id
		} else {
			return "", nil, fmt.Errorf("desk not specified; use --desk")
		}
	}
	seedCfg := config.Default(deskID)

	if _, err := r.GetDesk(ctx, deskID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createDesk(ctx, r, deskID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetDeskConfig(ctx, deskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertDeskConfig(ctx, deskID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed desk config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Desk.ID = deskID
	return deskID, cfg, nil
}

// createDesk inserts a minimal desk and registers the calling actor as a
// gate approver so a fresh workspace is usable immediately.
func createDesk(ctx context.Context, r repo.Repo, deskID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(deskID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.InsertDesk(ctx, tx, deskID, "", now); err != nil {
		return fmt.Errorf("insert desk: %w", err)
	}
	if err := r.UpsertDeskConfigTx(ctx, tx, deskID, seedCfg); err != nil {
		return fmt.Errorf("insert desk config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.UpsertApprover(ctx, tx, deskID, actorID, "compliance-officer"); err != nil {
		return fmt.Errorf("register approver: %w", err)
	}
	return tx.Commit()
}
