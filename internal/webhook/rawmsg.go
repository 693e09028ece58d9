package webhook

import (
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"

	"inbound-mail-webhooks-go/internal/jsonvalue"
)

const maxRawPartBytes = 10 << 20

type rawMessage struct {
	Plain   string
	HTML    string
	Headers []jsonvalue.Member
}

// parseRawMessage extracts the first text/plain and text/html bodies and the
// top-level headers of an RFC 5322 message. Headers keep their first position;
// repeated ones are joined with newlines.
func parseRawMessage(raw string) (*rawMessage, error) {
	entity, err := message.Read(strings.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	parsed := &rawMessage{}
	var values []string
	position := make(map[string]int)
	fields := entity.Header.Fields()
	for fields.Next() {
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		key := fields.Key()
		if i, ok := position[key]; ok {
			values[i] += "\n" + value
			continue
		}
		position[key] = len(values)
		parsed.Headers = append(parsed.Headers, jsonvalue.Member{Key: key})
		values = append(values, value)
	}
	for i := range parsed.Headers {
		parsed.Headers[i].Value = jsonvalue.StringValue(values[i])
	}

	err = entity.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil {
			if message.IsUnknownCharset(err) {
				return nil
			}
			return err
		}

		contentType, _, _ := part.Header.ContentType()
		if strings.HasPrefix(contentType, "multipart/") {
			return nil
		}
		if disposition, _, _ := part.Header.ContentDisposition(); disposition == "attachment" {
			return nil
		}
		if contentType != "" && contentType != "text/plain" && contentType != "text/html" {
			return nil
		}

		content, err := io.ReadAll(io.LimitReader(part.Body, maxRawPartBytes))
		if err != nil {
			return fmt.Errorf("failed to read part body: %w", err)
		}
		if contentType == "text/html" {
			if parsed.HTML == "" {
				parsed.HTML = string(content)
			}
		} else if parsed.Plain == "" {
			parsed.Plain = string(content)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read part: %w", err)
	}

	return parsed, nil
}
