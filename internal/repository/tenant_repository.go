package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"inbound-mail-webhooks-go/internal/model"
)

// TenantRepository reads and seeds tenants.
type TenantRepository struct {
	db *gorm.DB
}

func NewTenantRepository(db *gorm.DB) *TenantRepository {
	return &TenantRepository{db: db}
}

// FindBySecret returns the active tenant owning the secret, or nil.
func (r *TenantRepository) FindBySecret(ctx context.Context, secret string) (*model.Tenant, error) {
	if secret == "" {
		return nil, nil
	}
	return r.first(ctx, "shared_secret = ? AND active = ?", secret, true)
}

// FindByName returns the tenant with the given name, active or not, or nil.
func (r *TenantRepository) FindByName(ctx context.Context, name string) (*model.Tenant, error) {
	return r.first(ctx, "name = ?", name)
}

// FindByEmail matches the inbound address case-insensitively against active tenants.
func (r *TenantRepository) FindByEmail(ctx context.Context, email string) (*model.Tenant, error) {
	if email == "" {
		return nil, nil
	}
	return r.first(ctx, "LOWER(webhook_email) = LOWER(?) AND active = ?", email, true)
}

// ListActive returns every active tenant ordered by id.
func (r *TenantRepository) ListActive(ctx context.Context) ([]model.Tenant, error) {
	var tenants []model.Tenant
	result := r.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&tenants)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list active tenants: %w", result.Error)
	}
	return tenants, nil
}

// Upsert creates the tenant or updates the one with the same name.
func (r *TenantRepository) Upsert(ctx context.Context, tenant *model.Tenant) error {
	existing, err := r.FindByName(ctx, tenant.Name)
	if err != nil {
		return err
	}

	if existing == nil {
		if err := r.db.WithContext(ctx).Create(tenant).Error; err != nil {
			return fmt.Errorf("failed to create tenant: %w", err)
		}
		return nil
	}

	tenant.ID = existing.ID
	result := r.db.WithContext(ctx).Model(existing).Select("WebhookEmail", "SharedSecret", "Active").Updates(tenant)
	if result.Error != nil {
		return fmt.Errorf("failed to update tenant: %w", result.Error)
	}
	return nil
}

func (r *TenantRepository) first(ctx context.Context, query string, args ...interface{}) (*model.Tenant, error) {
	var tenant model.Tenant
	result := r.db.WithContext(ctx).Where(query, args...).First(&tenant)
	if result.Error == nil {
		return &tenant, nil
	}
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("database error: %w", result.Error)
}
