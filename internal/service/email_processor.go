package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"inbound-mail-webhooks-go/internal/metrics"
	"inbound-mail-webhooks-go/internal/model"
	"inbound-mail-webhooks-go/internal/queue"
	"inbound-mail-webhooks-go/internal/repository"
	"inbound-mail-webhooks-go/internal/webhook"
)

// AttachmentStore persists attachment bytes and returns a storage key.
type AttachmentStore interface {
	Save(ctx context.Context, owner, name string, data []byte) (string, error)
	Delete(ctx context.Context, key string) error
}

// OCRQueue accepts OCR jobs for stored PDF attachments.
type OCRQueue interface {
	Enqueue(ctx context.Context, job queue.OCRJob) error
}

// DedupFilter remembers message ids already stored.
type DedupFilter interface {
	Seen(ctx context.Context, messageID string) (bool, error)
	Mark(ctx context.Context, messageID string) (bool, error)
}

// TenantLookup resolves the owner of an inbound address.
type TenantLookup interface {
	FindByEmail(ctx context.Context, email string) (*model.Tenant, error)
}

// EmailProcessor stores canonical events as inbound emails. Dedup and OCR are
// optional and skipped when nil.
type EmailProcessor struct {
	emails  *repository.EmailRepository
	tenants TenantLookup
	store   AttachmentStore
	ocr     OCRQueue
	dedup   DedupFilter
	metrics *metrics.Metrics
}

// NewEmailProcessor creates a new email processor
func NewEmailProcessor(emails *repository.EmailRepository, tenants TenantLookup, store AttachmentStore, ocr OCRQueue, dedup DedupFilter, m *metrics.Metrics) *EmailProcessor {
	return &EmailProcessor{
		emails:  emails,
		tenants: tenants,
		store:   store,
		ocr:     ocr,
		dedup:   dedup,
		metrics: m,
	}
}

var _ webhook.EmailProcessor = (*EmailProcessor)(nil)

type decodedAttachment struct {
	ref  webhook.AttachmentRef
	data []byte
}

// Process implements webhook.EmailProcessor. A message id that was stored
// before yields webhook.ErrAlreadyExists.
func (p *EmailProcessor) Process(ctx context.Context, event webhook.CanonicalEvent, tenant *model.Tenant) (*model.InboundEmail, error) {
	log := webhook.LoggerFrom(ctx).WithField("message_id", event.MessageID)

	if event.MessageID != "" && p.dedup != nil {
		seen, err := p.dedup.Seen(ctx, event.MessageID)
		if err != nil {
			log.WithError(err).Warn("Dedup check failed, falling back to database")
		} else if seen {
			log.Debug("Message already processed, skipping")
			return nil, webhook.ErrAlreadyExists
		}
	}

	if tenant == nil && event.ToEmail != "" && p.tenants != nil {
		owner, err := p.tenants.FindByEmail(ctx, event.ToEmail)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve tenant by recipient: %w", err)
		}
		tenant = owner
	}

	attachments, err := decodeAttachments(event.Attachments)
	if err != nil {
		return nil, err
	}

	email, err := p.buildEmail(event, tenant)
	if err != nil {
		return nil, err
	}

	var savedKeys []string
	var stored []model.Attachment
	err = p.emails.Transaction(ctx, func(tx *repository.EmailRepository) error {
		existing, err := tx.FindByMessageID(ctx, event.MessageID)
		if err != nil {
			return err
		}
		if existing != nil {
			email = existing
			return webhook.ErrAlreadyExists
		}

		if err := tx.Create(ctx, email); err != nil {
			if errors.Is(err, repository.ErrDuplicateMessage) {
				return webhook.ErrAlreadyExists
			}
			return err
		}

		for _, att := range attachments {
			key, err := p.store.Save(ctx, ownerKey(tenant), att.ref.Name, att.data)
			if err != nil {
				return err
			}
			savedKeys = append(savedKeys, key)

			row := model.Attachment{
				EmailID:    email.ID,
				Name:       att.ref.Name,
				MimeType:   att.ref.MimeType,
				SizeBytes:  int64(len(att.data)),
				StorageKey: key,
			}
			if att.ref.ContentID != nil {
				row.ContentID = *att.ref.ContentID
			}
			if err := tx.AddAttachment(ctx, &row); err != nil {
				return err
			}
			stored = append(stored, row)
		}
		return nil
	})
	if err != nil {
		p.discard(ctx, savedKeys)
		if errors.Is(err, webhook.ErrAlreadyExists) {
			p.markSeen(ctx, event.MessageID)
			return email, webhook.ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to store email: %w", err)
	}
	email.Attachments = stored

	p.enqueueOCR(ctx, email, stored)
	p.markSeen(ctx, event.MessageID)

	fields := logrus.Fields{"email_id": email.ID, "attachments": len(stored)}
	if tenant != nil {
		fields["tenant"] = tenant.Name
	}
	log.WithFields(fields).Info("Stored inbound email")
	return email, nil
}

func (p *EmailProcessor) buildEmail(event webhook.CanonicalEvent, tenant *model.Tenant) (*model.InboundEmail, error) {
	headers, err := json.Marshal(event.Headers)
	if err != nil {
		return nil, fmt.Errorf("failed to encode headers: %w", err)
	}

	email := &model.InboundEmail{
		EventType:  event.EventType,
		WebhookID:  event.WebhookID,
		FromEmail:  event.FromEmail,
		FromName:   event.FromName,
		ToEmail:    event.ToEmail,
		Subject:    event.Subject,
		BodyPlain:  event.BodyPlain,
		BodyHTML:   event.BodyHTML,
		Headers:    string(headers),
		ReceivedAt: event.Timestamp,
	}
	if event.MessageID != "" {
		id := event.MessageID
		email.MessageID = &id
	}
	if tenant != nil {
		id := tenant.ID
		email.TenantID = &id
	}
	return email, nil
}

func (p *EmailProcessor) enqueueOCR(ctx context.Context, email *model.InboundEmail, attachments []model.Attachment) {
	if p.ocr == nil {
		return
	}
	for _, att := range attachments {
		if !att.IsPDF() {
			continue
		}
		job := queue.OCRJob{
			AttachmentID: att.ID,
			EmailID:      email.ID,
			TenantID:     email.TenantID,
			StorageKey:   att.StorageKey,
			MimeType:     att.MimeType,
		}
		if err := p.ocr.Enqueue(ctx, job); err != nil {
			webhook.LoggerFrom(ctx).WithError(err).WithField("attachment_id", att.ID).Error("Failed to enqueue OCR job")
			continue
		}
		p.metrics.IncOCRJobs()
	}
}

func (p *EmailProcessor) markSeen(ctx context.Context, messageID string) {
	if messageID == "" || p.dedup == nil {
		return
	}
	if _, err := p.dedup.Mark(ctx, messageID); err != nil {
		webhook.LoggerFrom(ctx).WithError(err).Warn("Failed to mark message as seen")
	}
}

func (p *EmailProcessor) discard(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := p.store.Delete(context.WithoutCancel(ctx), key); err != nil {
			webhook.LoggerFrom(ctx).WithError(err).WithField("storage_key", key).Warn("Failed to remove orphaned attachment")
		}
	}
}

func decodeAttachments(refs []webhook.AttachmentRef) ([]decodedAttachment, error) {
	out := make([]decodedAttachment, 0, len(refs))
	for _, ref := range refs {
		if ref.ContentBase64 == nil {
			continue
		}
		data, err := decodeBase64(*ref.ContentBase64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode attachment %q: %w", ref.Name, err)
		}
		out = append(out, decodedAttachment{ref: ref, data: data})
	}
	return out, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

func ownerKey(tenant *model.Tenant) string {
	if tenant == nil {
		return ""
	}
	return strconv.FormatUint(uint64(tenant.ID), 10)
}
