package app

import (
	"context"
	"errors"
	"time"

	"filmdesk/internal/config"
	"filmdesk/internal/repo"
)

const defaultShopID = "default"

// ResolveShopAndConfig loads the shop config stored in the DB, seeding the
// built-in default on first use. The returned config is the one object the
// rest of the dependency graph receives; nothing reads it globally.
func ResolveShopAndConfig(ctx context.Context, shopOverride string, r repo.Repo) (string, *config.Config, error) {
	shopID := shopOverride
	if shopID == "" {
		shopID = defaultShopID
	}
	cfg, err := r.GetShopConfig(ctx, shopID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(shopID)
		now := time.Now().UTC().Format(time.RFC3339)
		if err := r.UpsertShopConfig(ctx, shopID, now, cfg); err != nil {
			return "", nil, err
		}
	}
	cfg.Shop.ID = shopID
	return shopID, cfg, nil
}
