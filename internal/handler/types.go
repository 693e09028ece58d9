package handler

import (
	"encoding/json"
	"time"
)

// Context keys and headers shared with the router middleware.
const (
	RequestIDKey    = "request_id"
	RequestIDHeader = "X-Request-Id"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Database  string            `json:"database"`
	Redis     string            `json:"redis,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// SchedulerStatusResponse describes the tenant refresh scheduler.
type SchedulerStatusResponse struct {
	Status    string     `json:"status"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// EmailResponse represents a stored inbound email
type EmailResponse struct {
	ID          uint                 `json:"id"`
	TenantID    *uint                `json:"tenant_id"`
	MessageID   *string              `json:"message_id"`
	EventType   string               `json:"event_type"`
	WebhookID   string               `json:"webhook_id"`
	FromEmail   string               `json:"from_email"`
	FromName    string               `json:"from_name"`
	ToEmail     string               `json:"to_email"`
	Subject     string               `json:"subject"`
	BodyPlain   string               `json:"body_plain"`
	BodyHTML    string               `json:"body_html"`
	Headers     json.RawMessage      `json:"headers,omitempty"`
	ReceivedAt  time.Time            `json:"received_at"`
	Attachments []AttachmentResponse `json:"attachments"`
}

// AttachmentResponse represents attachment metadata
type AttachmentResponse struct {
	ID          uint   `json:"id"`
	Name        string `json:"name"`
	MimeType    string `json:"mime_type"`
	ContentID   string `json:"content_id,omitempty"`
	SizeBytes   int64  `json:"size_bytes"`
	DownloadURL string `json:"download_url"`
}
