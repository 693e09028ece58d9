package handler

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"inbound-mail-webhooks-go/internal/model"
)

// GetEmail returns a stored email with its attachment metadata
func (h *Handlers) GetEmail(c *gin.Context) {
	email, ok := h.loadEmail(c)
	if !ok {
		return
	}

	response := EmailResponse{
		ID:          email.ID,
		TenantID:    email.TenantID,
		MessageID:   email.MessageID,
		EventType:   email.EventType,
		WebhookID:   email.WebhookID,
		FromEmail:   email.FromEmail,
		FromName:    email.FromName,
		ToEmail:     email.ToEmail,
		Subject:     email.Subject,
		BodyPlain:   email.BodyPlain,
		BodyHTML:    email.BodyHTML,
		ReceivedAt:  email.ReceivedAt,
		Attachments: make([]AttachmentResponse, 0, len(email.Attachments)),
	}
	if json.Valid([]byte(email.Headers)) {
		response.Headers = json.RawMessage(email.Headers)
	}
	for _, a := range email.Attachments {
		response.Attachments = append(response.Attachments, AttachmentResponse{
			ID:          a.ID,
			Name:        a.Name,
			MimeType:    a.MimeType,
			ContentID:   a.ContentID,
			SizeBytes:   a.SizeBytes,
			DownloadURL: fmt.Sprintf("%s/emails/%d/attachments/%d", h.opts.BasePath, email.ID, a.ID),
		})
	}

	c.JSON(http.StatusOK, response)
}

// DownloadAttachment streams the stored bytes of one attachment
func (h *Handlers) DownloadAttachment(c *gin.Context) {
	attachmentID, err := strconv.ParseUint(c.Param("attachment_id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_id",
			Message: "Invalid attachment ID",
			Code:    http.StatusBadRequest,
		})
		return
	}

	email, ok := h.loadEmail(c)
	if !ok {
		return
	}

	var attachment *model.Attachment
	for i := range email.Attachments {
		if email.Attachments[i].ID == uint(attachmentID) {
			attachment = &email.Attachments[i]
			break
		}
	}
	if attachment == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Attachment not found",
			Code:    http.StatusNotFound,
		})
		return
	}

	data, err := h.attachments.Read(attachment.StorageKey)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"email_id":    email.ID,
			"storage_key": attachment.StorageKey,
		}).Errorf("Failed to read attachment: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "storage_error",
			Message: "Failed to read attachment",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": attachment.Name}))
	c.Data(http.StatusOK, attachment.MimeType, data)
}

func (h *Handlers) loadEmail(c *gin.Context) (*model.InboundEmail, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_id",
			Message: "Invalid email ID",
			Code:    http.StatusBadRequest,
		})
		return nil, false
	}

	email, err := h.emails.GetByID(c.Request.Context(), uint(id))
	if err != nil {
		logrus.Errorf("Failed to fetch email %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to fetch email",
			Code:    http.StatusInternalServerError,
		})
		return nil, false
	}
	if email == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Email not found",
			Code:    http.StatusNotFound,
		})
		return nil, false
	}
	return email, true
}
