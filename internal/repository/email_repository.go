package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"inbound-mail-webhooks-go/internal/model"
)

// ErrDuplicateMessage is returned by Create when the message id already exists.
var ErrDuplicateMessage = errors.New("message id already stored")

// EmailRepository persists inbound emails and their attachments.
type EmailRepository struct {
	db *gorm.DB
}

func NewEmailRepository(db *gorm.DB) *EmailRepository {
	return &EmailRepository{db: db}
}

// Transaction runs fn with a repository bound to one database transaction.
func (r *EmailRepository) Transaction(ctx context.Context, fn func(tx *EmailRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&EmailRepository{db: tx})
	})
}

// FindByMessageID returns the stored email with the message id, or nil.
func (r *EmailRepository) FindByMessageID(ctx context.Context, messageID string) (*model.InboundEmail, error) {
	if messageID == "" {
		return nil, nil
	}
	var email model.InboundEmail
	result := r.db.WithContext(ctx).Where("message_id = ?", messageID).First(&email)
	if result.Error == nil {
		return &email, nil
	}
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("database error checking message id: %w", result.Error)
}

// Create inserts the email without its associations.
func (r *EmailRepository) Create(ctx context.Context, email *model.InboundEmail) error {
	result := r.db.WithContext(ctx).Omit("Attachments", "Tenant").Create(email)
	if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
		return ErrDuplicateMessage
	}
	if result.Error != nil {
		return fmt.Errorf("failed to store email: %w", result.Error)
	}
	return nil
}

// AddAttachment inserts one attachment row.
func (r *EmailRepository) AddAttachment(ctx context.Context, attachment *model.Attachment) error {
	if err := r.db.WithContext(ctx).Create(attachment).Error; err != nil {
		return fmt.Errorf("failed to store attachment: %w", err)
	}
	return nil
}

// GetByID loads an email with its attachments.
func (r *EmailRepository) GetByID(ctx context.Context, id uint) (*model.InboundEmail, error) {
	var email model.InboundEmail
	result := r.db.WithContext(ctx).Preload("Attachments").First(&email, id)
	if result.Error == nil {
		return &email, nil
	}
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("database error: %w", result.Error)
}
