package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"inbound-mail-webhooks-go/internal/config"
	"inbound-mail-webhooks-go/internal/model"
)

// TenantSeeder creates or updates tenants by name.
type TenantSeeder interface {
	FindBySecret(ctx context.Context, secret string) (*model.Tenant, error)
	Upsert(ctx context.Context, tenant *model.Tenant) error
}

// SeedTenants upserts the tenants listed in configuration. An active seed may
// not reuse the secret of another active tenant, since the secret alone
// attributes a signed request.
func SeedTenants(ctx context.Context, repo TenantSeeder, seeds []config.TenantSeed) error {
	for _, seed := range seeds {
		name := strings.TrimSpace(seed.Name)
		if name == "" {
			return fmt.Errorf("tenant seed without a name")
		}
		tenant := &model.Tenant{
			Name:         name,
			WebhookEmail: strings.TrimSpace(seed.WebhookEmail),
			SharedSecret: seed.SharedSecret,
			Active:       seed.IsActive(),
		}
		if tenant.Active {
			owner, err := repo.FindBySecret(ctx, tenant.SharedSecret)
			if err != nil {
				return fmt.Errorf("failed to check secret of tenant %s: %w", name, err)
			}
			if owner != nil && owner.Name != name {
				return fmt.Errorf("tenant %s reuses the shared secret of tenant %s", name, owner.Name)
			}
		}
		if err := repo.Upsert(ctx, tenant); err != nil {
			return fmt.Errorf("failed to seed tenant %s: %w", name, err)
		}
	}
	if len(seeds) > 0 {
		logrus.Infof("Seeded %d tenants from configuration", len(seeds))
	}
	return nil
}
