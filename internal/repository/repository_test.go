package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"inbound-mail-webhooks-go/internal/database"
	"inbound-mail-webhooks-go/internal/model"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(sqlite.Open("file:" + t.Name() + "?mode=memory&cache=shared"))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, database.RunMigrations(db))
	return db
}

func seedTenants(t *testing.T, repo *TenantRepository) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, &model.Tenant{Name: "acme", WebhookEmail: "Inbound@Acme.test", SharedSecret: "acme-secret", Active: true}))
	require.NoError(t, repo.Upsert(ctx, &model.Tenant{Name: "globex", WebhookEmail: "mail@globex.test", SharedSecret: "globex-secret", Active: true}))
	require.NoError(t, repo.Upsert(ctx, &model.Tenant{Name: "dormant", WebhookEmail: "old@dormant.test", SharedSecret: "dormant-secret", Active: false}))
}

func TestTenantRepositoryLookups(t *testing.T) {
	repo := NewTenantRepository(setupDB(t))
	seedTenants(t, repo)
	ctx := context.Background()

	tenant, err := repo.FindBySecret(ctx, "globex-secret")
	require.NoError(t, err)
	require.NotNil(t, tenant)
	assert.Equal(t, "globex", tenant.Name)

	tenant, err = repo.FindBySecret(ctx, "dormant-secret")
	require.NoError(t, err)
	assert.Nil(t, tenant, "inactive tenants are not matched by secret")

	tenant, err = repo.FindByEmail(ctx, "inbound@acme.TEST")
	require.NoError(t, err)
	require.NotNil(t, tenant)
	assert.Equal(t, "acme", tenant.Name)

	tenant, err = repo.FindByName(ctx, "dormant")
	require.NoError(t, err)
	require.NotNil(t, tenant)
	assert.False(t, tenant.Active)

	tenant, err = repo.FindByName(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, tenant)

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "acme", active[0].Name)
	assert.Equal(t, "globex", active[1].Name)
}

func TestTenantRepositoryUpsertUpdatesExisting(t *testing.T) {
	repo := NewTenantRepository(setupDB(t))
	seedTenants(t, repo)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, &model.Tenant{Name: "acme", WebhookEmail: "new@acme.test", SharedSecret: "rotated", Active: false}))

	tenant, err := repo.FindByName(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, tenant)
	assert.Equal(t, "new@acme.test", tenant.WebhookEmail)
	assert.Equal(t, "rotated", tenant.SharedSecret)
	assert.False(t, tenant.Active)

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestEmailRepositoryCreateAndFind(t *testing.T) {
	db := setupDB(t)
	repo := NewEmailRepository(db)
	ctx := context.Background()

	messageID := "abc@mail.test"
	email := &model.InboundEmail{
		MessageID:  &messageID,
		EventType:  "inbound_email",
		Subject:    "hello",
		ReceivedAt: time.Unix(1700000000, 0).UTC(),
	}

	err := repo.Transaction(ctx, func(tx *EmailRepository) error {
		if err := tx.Create(ctx, email); err != nil {
			return err
		}
		return tx.AddAttachment(ctx, &model.Attachment{EmailID: email.ID, Name: "a.pdf", StorageKey: "k"})
	})
	require.NoError(t, err)
	require.NotZero(t, email.ID)

	found, err := repo.FindByMessageID(ctx, messageID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, email.ID, found.ID)

	loaded, err := repo.GetByID(ctx, email.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Len(t, loaded.Attachments, 1)
	assert.Equal(t, "a.pdf", loaded.Attachments[0].Name)

	missing, err := repo.FindByMessageID(ctx, "other@mail.test")
	require.NoError(t, err)
	assert.Nil(t, missing)

	missing, err = repo.FindByMessageID(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestEmailRepositoryRollsBackOnError(t *testing.T) {
	repo := NewEmailRepository(setupDB(t))
	ctx := context.Background()
	messageID := "rollback@mail.test"

	err := repo.Transaction(ctx, func(tx *EmailRepository) error {
		if err := tx.Create(ctx, &model.InboundEmail{MessageID: &messageID, EventType: "inbound_email"}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	found, err := repo.FindByMessageID(ctx, messageID)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestEmailRepositoryAllowsMissingMessageIDs(t *testing.T) {
	repo := NewEmailRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &model.InboundEmail{EventType: "inbound_email"}))
	require.NoError(t, repo.Create(ctx, &model.InboundEmail{EventType: "inbound_email"}))
}

func TestEmailRepositoryRejectsDuplicateMessageID(t *testing.T) {
	repo := NewEmailRepository(setupDB(t))
	ctx := context.Background()
	messageID := "dup@mail.test"

	require.NoError(t, repo.Create(ctx, &model.InboundEmail{MessageID: &messageID, EventType: "inbound_email"}))
	err := repo.Create(ctx, &model.InboundEmail{MessageID: &messageID, EventType: "inbound_email"})
	assert.Error(t, err)
}
