package webhook

import (
	"encoding/base64"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"inbound-mail-webhooks-go/internal/jsonvalue"
)

const maxSubjectRunes = 255

// AllowedEventTypes lists the event types accepted after remapping.
var AllowedEventTypes = map[string]bool{
	"inbound_email": true,
	"inbound":       true,
	"subscribe":     true,
	"unsubscribe":   true,
	"profile":       true,
	"cleaned":       true,
	"upemail":       true,
	"campaign":      true,
	"ping":          true,
}

// CanonicalEvent is the provider-agnostic form of one notification.
type CanonicalEvent struct {
	EventType   string            `json:"event_type"`
	WebhookID   string            `json:"webhook_id"`
	Timestamp   time.Time         `json:"timestamp"`
	MessageID   string            `json:"message_id"`
	FromEmail   string            `json:"from_email"`
	FromName    string            `json:"from_name"`
	ToEmail     string            `json:"to_email"`
	Subject     string            `json:"subject"`
	BodyPlain   string            `json:"body_plain"`
	BodyHTML    string            `json:"body_html"`
	Headers     map[string]string `json:"headers"`
	Attachments []AttachmentRef   `json:"attachments"`
}

// AttachmentRef points at attachment content carried inline in the event.
type AttachmentRef struct {
	Name          string  `json:"name"`
	MimeType      string  `json:"mime_type"`
	ContentBase64 *string `json:"content_base64,omitempty"`
	ContentID     *string `json:"content_id,omitempty"`
	SizeBytes     *int64  `json:"size_bytes,omitempty"`
}

// Skip explains why an event was dropped without being an error.
type Skip struct {
	Index  int
	Reason string
}

// Normalized is either an event or a skip, never both.
type Normalized struct {
	event *CanonicalEvent
	skip  *Skip
}

func eventResult(e CanonicalEvent) Normalized { return Normalized{event: &e} }

func skipResult(index int, reason string) Normalized {
	return Normalized{skip: &Skip{Index: index, Reason: reason}}
}

// Event returns the canonical event when normalization produced one.
func (n Normalized) Event() (CanonicalEvent, bool) {
	if n.event == nil {
		return CanonicalEvent{}, false
	}
	return *n.event, true
}

// Skipped returns the skip when the event was dropped.
func (n Normalized) Skipped() (Skip, bool) {
	if n.skip == nil {
		return Skip{}, false
	}
	return *n.skip, true
}

// ResolveEventType reads "event" then "type", remaps "inbound" and checks the
// allow-list. A missing type is taken as an inbound email.
func ResolveEventType(raw jsonvalue.Value) (string, error) {
	eventType := strings.TrimSpace(raw.GetString("event"))
	if eventType == "" {
		eventType = strings.TrimSpace(raw.GetString("type"))
	}
	switch eventType {
	case "", "inbound":
		eventType = "inbound_email"
	}
	if !AllowedEventTypes[eventType] {
		return "", &UnknownEventTypeError{EventType: eventType}
	}
	return eventType, nil
}

// Normalize turns one raw event into a canonical event or a skip. The only
// error is UnknownEventTypeError.
func Normalize(raw jsonvalue.Value, index int) (Normalized, error) {
	if !raw.IsObject() {
		return skipResult(index, "event is not an object"), nil
	}

	eventType, err := ResolveEventType(raw)
	if err != nil {
		return Normalized{}, err
	}

	msg, ok := raw.Get("msg")
	if !ok || !msg.IsObject() {
		return skipResult(index, "event has no msg object"), nil
	}

	headerValue, _ := msg.Get("headers")
	fields := flattenHeaderMembers(headerValue)

	event := CanonicalEvent{
		EventType: eventType,
		WebhookID: resolveWebhookID(raw, msg),
		Timestamp: resolveTimestamp(raw),
		FromEmail: msg.GetString("from_email"),
		FromName:  msg.GetString("from_name"),
		ToEmail:   resolveRecipient(msg),
		Subject:   msg.GetString("subject"),
		BodyPlain: msg.GetString("text"),
		BodyHTML:  msg.GetString("html"),
	}

	if event.BodyPlain == "" && event.BodyHTML == "" {
		if rawMsg := msg.GetString("raw_msg"); rawMsg != "" {
			fields = fillFromRawMessage(&event, fields, rawMsg)
		}
	}

	headers := jsonvalue.ObjectValue(fields...)
	event.Headers = headerMap(fields)
	if event.Subject == "" {
		event.Subject = lookupHeader(headers, "Subject")
	}
	event.Subject = truncateRunes(event.Subject, maxSubjectRunes)
	event.MessageID = ResolveMessageID(headers, msg, raw)
	event.Attachments = collectAttachments(msg)

	return eventResult(event), nil
}

// fillFromRawMessage takes the bodies from raw_msg and appends its headers
// that the event does not already carry under any spelling.
func fillFromRawMessage(event *CanonicalEvent, fields []jsonvalue.Member, rawMsg string) []jsonvalue.Member {
	parsed, err := parseRawMessage(rawMsg)
	if err != nil {
		logrus.WithError(err).Warn("Failed to parse raw_msg, keeping event without body")
		return fields
	}
	event.BodyPlain = parsed.Plain
	event.BodyHTML = parsed.HTML

	known := jsonvalue.ObjectValue(fields...)
	for _, field := range parsed.Headers {
		if _, ok := known.GetFold(field.Key); !ok {
			fields = append(fields, field)
		}
	}
	return fields
}

// flattenHeaderMembers flattens each header to a string, keeping wire order.
// List values are joined with newlines; flattening flat headers changes
// nothing.
func flattenHeaderMembers(v jsonvalue.Value) []jsonvalue.Member {
	members, ok := v.Members()
	if !ok {
		return nil
	}
	fields := make([]jsonvalue.Member, 0, len(members))
	for _, m := range members {
		fields = append(fields, jsonvalue.Member{Key: m.Key, Value: jsonvalue.StringValue(flattenHeaderValue(m.Value))})
	}
	return fields
}

func headerMap(fields []jsonvalue.Member) map[string]string {
	headers := make(map[string]string, len(fields))
	for _, f := range fields {
		headers[f.Key] = f.Value.Text()
	}
	return headers
}

func flattenHeaderValue(v jsonvalue.Value) string {
	items, ok := v.Items()
	if !ok {
		return v.Text()
	}
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, flattenHeaderValue(item))
	}
	return strings.Join(parts, "\n")
}

// lookupHeader tries each name exactly, then each case-insensitively. When
// several keys match, the one latest in wire order wins, as with duplicate
// JSON keys.
func lookupHeader(headers jsonvalue.Value, names ...string) string {
	for _, name := range names {
		if v, ok := headers.Get(name); ok {
			if value := strings.TrimSpace(v.Text()); value != "" {
				return value
			}
		}
	}
	for _, name := range names {
		if v, ok := headers.GetFold(name); ok {
			if value := strings.TrimSpace(v.Text()); value != "" {
				return value
			}
		}
	}
	return ""
}

// ResolveMessageID picks the message id from provider headers, the standard
// Message-Id header, msg._id, then the event _id. headers is an object of
// flattened header strings.
func ResolveMessageID(headers, msg, event jsonvalue.Value) string {
	if id := firstLine(lookupHeader(headers, "X-Mailgun-Message-Id", "X-Message-Id")); id != "" {
		return id
	}
	if id := firstLine(lookupHeader(headers, "Message-Id", "Message-ID", "message-id", "message_id")); id != "" {
		if stripped := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(id, "<"), ">")); stripped != "" {
			return stripped
		}
	}
	if id := idText(msg); id != "" {
		return id
	}
	return idText(event)
}

func firstLine(value string) string {
	if i := strings.IndexByte(value, '\n'); i >= 0 {
		value = value[:i]
	}
	return strings.TrimSpace(value)
}

func idText(v jsonvalue.Value) string {
	id, ok := v.Get("_id")
	if !ok {
		return ""
	}
	switch id.Kind() {
	case jsonvalue.String, jsonvalue.Number:
		return strings.TrimSpace(id.Text())
	default:
		return ""
	}
}

func resolveWebhookID(event, msg jsonvalue.Value) string {
	if id := idText(event); id != "" {
		return id
	}
	if id, ok := event.Get("webhook_id"); ok && (id.IsString() || id.Kind() == jsonvalue.Number) {
		if text := strings.TrimSpace(id.Text()); text != "" {
			return text
		}
	}
	return idText(msg)
}

func resolveTimestamp(event jsonvalue.Value) time.Time {
	ts, ok := event.Get("ts")
	if !ok {
		return time.Time{}
	}
	seconds, ok := ts.AsInt64()
	if !ok {
		return time.Time{}
	}
	return time.Unix(seconds, 0).UTC()
}

// resolveRecipient reads msg.email, else the first entry of msg.to, which may
// be [[email, name], ...], [email, ...] or a plain string.
func resolveRecipient(msg jsonvalue.Value) string {
	if email := strings.TrimSpace(msg.GetString("email")); email != "" {
		return email
	}
	to, ok := msg.Get("to")
	if !ok {
		return ""
	}
	if s, ok := to.AsString(); ok {
		return strings.TrimSpace(s)
	}
	first, ok := to.Index(0)
	if !ok {
		return ""
	}
	switch first.Kind() {
	case jsonvalue.String:
		return strings.TrimSpace(first.Text())
	case jsonvalue.Array:
		email, _ := first.Index(0)
		return strings.TrimSpace(email.Text())
	case jsonvalue.Object:
		return strings.TrimSpace(first.GetString("email"))
	default:
		return ""
	}
}

func collectAttachments(msg jsonvalue.Value) []AttachmentRef {
	refs := []AttachmentRef{}
	if attachments, ok := msg.Get("attachments"); ok {
		forEachEntry(attachments, func(key string, obj jsonvalue.Value) {
			refs = append(refs, attachmentRef(key, obj, false))
		})
	}
	if images, ok := msg.Get("images"); ok {
		forEachEntry(images, func(key string, obj jsonvalue.Value) {
			refs = append(refs, attachmentRef(key, obj, true))
		})
	}
	return refs
}

// forEachEntry visits the object members of a keyed map or of a list.
func forEachEntry(v jsonvalue.Value, fn func(key string, obj jsonvalue.Value)) {
	if members, ok := v.Members(); ok {
		for _, m := range members {
			if m.Value.IsObject() {
				fn(m.Key, m.Value)
			}
		}
		return
	}
	if items, ok := v.Items(); ok {
		for _, item := range items {
			if item.IsObject() {
				fn("", item)
			}
		}
	}
}

func attachmentRef(key string, obj jsonvalue.Value, inline bool) AttachmentRef {
	ref := AttachmentRef{
		Name:     firstNonEmpty(obj.GetString("name"), key),
		MimeType: firstNonEmpty(obj.GetString("type"), obj.GetString("mime_type"), obj.GetString("content_type")),
	}
	if ref.MimeType == "" {
		ref.MimeType = "application/octet-stream"
	}

	if content, ok := obj.Get("content"); ok && content.IsString() {
		encoded := content.Text()
		if isBase64, ok := obj.Get("base64"); ok {
			if b, _ := isBase64.AsBool(); !b {
				encoded = base64.StdEncoding.EncodeToString([]byte(encoded))
			}
		}
		ref.ContentBase64 = &encoded
	}

	if inline {
		cid := firstNonEmpty(obj.GetString("content_id"), key, ref.Name)
		cid = strings.TrimSuffix(strings.TrimPrefix(cid, "<"), ">")
		ref.ContentID = &cid
	} else if cid := obj.GetString("content_id"); cid != "" {
		ref.ContentID = &cid
	}

	if size, ok := obj.Get("size"); ok {
		if n, ok := size.AsInt64(); ok && n >= 0 {
			ref.SizeBytes = &n
		}
	}
	if ref.SizeBytes == nil && ref.ContentBase64 != nil {
		n := base64DecodedSize(*ref.ContentBase64)
		ref.SizeBytes = &n
	}
	return ref
}

// base64DecodedSize computes the decoded length of standard base64 text,
// ignoring line breaks and other whitespace.
func base64DecodedSize(encoded string) int64 {
	var n, padding int64
	for i := 0; i < len(encoded); i++ {
		switch c := encoded[i]; c {
		case ' ', '\t', '\r', '\n':
			continue
		case '=':
			padding++
			n++
		default:
			n++
		}
	}
	size := n/4*3 - padding
	if rem := n % 4; rem > 1 {
		size += rem - 1
	}
	if size < 0 {
		return 0
	}
	return size
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
