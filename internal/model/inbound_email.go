package model

import (
	"strings"
	"time"
)

// InboundEmail is one persisted inbound message. MessageID is NULL when the
// provider supplied none, so the unique index only guards real ids.
type InboundEmail struct {
	ID         uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	TenantID   *uint     `json:"tenant_id" gorm:"index"`
	MessageID  *string   `json:"message_id" gorm:"type:varchar(512);uniqueIndex"`
	EventType  string    `json:"event_type" gorm:"type:varchar(50);not null"`
	WebhookID  string    `json:"webhook_id" gorm:"type:varchar(255)"`
	FromEmail  string    `json:"from_email" gorm:"type:varchar(255)"`
	FromName   string    `json:"from_name" gorm:"type:varchar(255)"`
	ToEmail    string    `json:"to_email" gorm:"type:varchar(255);index"`
	Subject    string    `json:"subject" gorm:"type:varchar(255)"`
	BodyPlain  string    `json:"body_plain" gorm:"type:longtext"`
	BodyHTML   string    `json:"body_html" gorm:"type:longtext"`
	Headers    string    `json:"headers" gorm:"type:text"`
	ReceivedAt time.Time `json:"received_at"`
	CreatedAt  time.Time `json:"created_at"`

	Tenant      *Tenant      `json:"tenant,omitempty" gorm:"foreignKey:TenantID"`
	Attachments []Attachment `json:"attachments,omitempty" gorm:"foreignKey:EmailID"`
}

// TableName specifies the table name for InboundEmail
func (InboundEmail) TableName() string {
	return "inbound_emails"
}

// Attachment records where the bytes of one attachment or inline image were stored.
type Attachment struct {
	ID         uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	EmailID    uint      `json:"email_id" gorm:"not null;index"`
	Name       string    `json:"name" gorm:"type:varchar(255)"`
	MimeType   string    `json:"mime_type" gorm:"type:varchar(255)"`
	ContentID  string    `json:"content_id" gorm:"type:varchar(255)"`
	SizeBytes  int64     `json:"size_bytes"`
	StorageKey string    `json:"storage_key" gorm:"type:varchar(512);not null"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName specifies the table name for Attachment
func (Attachment) TableName() string {
	return "attachments"
}

// IsPDF reports whether the attachment should be handed to OCR.
func (a Attachment) IsPDF() bool {
	return strings.EqualFold(a.MimeType, "application/pdf") || strings.HasSuffix(strings.ToLower(a.Name), ".pdf")
}
