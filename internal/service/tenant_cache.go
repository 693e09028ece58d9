package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"inbound-mail-webhooks-go/internal/metrics"
	"inbound-mail-webhooks-go/internal/model"
	"inbound-mail-webhooks-go/internal/webhook"
)

var _ webhook.TenantSource = (*TenantCache)(nil)

// TenantLister returns the tenants eligible for signature verification.
type TenantLister interface {
	ListActive(ctx context.Context) ([]model.Tenant, error)
}

// TenantCache serves an in-memory snapshot of active tenants to the webhook
// pipeline. The snapshot is replaced whole by Refresh.
type TenantCache struct {
	lister  TenantLister
	metrics *metrics.Metrics

	mu       sync.RWMutex
	tenants  []model.Tenant
	loaded   bool
	loadedAt time.Time
}

// NewTenantCache creates an empty cache; the first Candidates call loads it.
func NewTenantCache(lister TenantLister, m *metrics.Metrics) *TenantCache {
	return &TenantCache{lister: lister, metrics: m}
}

// Refresh reloads the snapshot. On error the previous snapshot is kept.
func (c *TenantCache) Refresh(ctx context.Context) error {
	tenants, err := c.lister.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh tenant snapshot: %w", err)
	}

	c.mu.Lock()
	c.tenants = tenants
	c.loaded = true
	c.loadedAt = time.Now()
	c.mu.Unlock()

	c.metrics.SetActiveTenants(len(tenants))
	logrus.WithField("tenants", len(tenants)).Debug("Tenant snapshot refreshed")
	return nil
}

// Run satisfies scheduler.Job.
func (c *TenantCache) Run(ctx context.Context) error {
	return c.Refresh(ctx)
}

// Candidates returns a copy of the snapshot, loading it on first use.
func (c *TenantCache) Candidates(ctx context.Context) ([]model.Tenant, error) {
	c.mu.RLock()
	loaded := c.loaded
	c.mu.RUnlock()

	if !loaded {
		if err := c.Refresh(ctx); err != nil {
			return nil, err
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Tenant, len(c.tenants))
	copy(out, c.tenants)
	return out, nil
}

// LoadedAt returns when the snapshot was last refreshed.
func (c *TenantCache) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedAt
}

// Size returns the number of tenants in the snapshot.
func (c *TenantCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tenants)
}
