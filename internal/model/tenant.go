package model

import (
	"time"

	"gorm.io/gorm"
)

// Tenant is a customer account that owns inbound email. Webhook signatures
// are verified against SharedSecret.
type Tenant struct {
	ID           uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	Name         string         `json:"name" gorm:"type:varchar(255);not null;uniqueIndex"`
	WebhookEmail string         `json:"webhook_email" gorm:"type:varchar(255);index"`
	SharedSecret string         `json:"-" gorm:"type:varchar(255);not null"`
	Active       bool           `json:"active" gorm:"not null"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName specifies the table name for Tenant
func (Tenant) TableName() string {
	return "tenants"
}
