// Package queue pushes OCR jobs for stored PDF attachments onto a Redis list
// consumed by the OCR workers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// OCRJob is the JSON document workers pop from the queue.
type OCRJob struct {
	ID           string    `json:"id"`
	AttachmentID uint      `json:"attachment_id"`
	EmailID      uint      `json:"email_id"`
	TenantID     *uint     `json:"tenant_id,omitempty"`
	StorageKey   string    `json:"storage_key"`
	MimeType     string    `json:"mime_type"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// OCRPublisher sends OCR jobs to Redis.
type OCRPublisher struct {
	rdb       *redis.Client
	queueName string
}

// NewOCRPublisher creates a publisher targeting the named list.
func NewOCRPublisher(rdb *redis.Client, queueName string) *OCRPublisher {
	return &OCRPublisher{rdb: rdb, queueName: queueName}
}

// Enqueue assigns an id and timestamp when missing and LPUSHes the job.
func (p *OCRPublisher) Enqueue(ctx context.Context, job OCRJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal ocr job: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, payload).Err(); err != nil {
		return fmt.Errorf("redis LPUSH to %s: %w", p.queueName, err)
	}

	logrus.WithFields(logrus.Fields{
		"job_id":        job.ID,
		"attachment_id": job.AttachmentID,
		"queue":         p.queueName,
	}).Debug("Enqueued OCR job")
	return nil
}

// Ping checks the Redis connection.
func (p *OCRPublisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}
