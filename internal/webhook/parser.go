package webhook

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/url"
	"strings"

	"inbound-mail-webhooks-go/internal/jsonvalue"
)

// BodyKind tells whether a parsed body carries one event or a list of them.
type BodyKind int

const (
	SingleEvent BodyKind = iota + 1
	EventList
)

func (k BodyKind) String() string {
	switch k {
	case SingleEvent:
		return "single"
	case EventList:
		return "list"
	default:
		return "unknown"
	}
}

// FormEventFields are the form fields searched for a JSON payload, in order.
var FormEventFields = []string{"mandrill_events", "events", "data", "payload", "webhook"}

const multipartMemory = 32 << 20

// ParsedBody is the decoded payload. Form is set when the payload came out of
// a form field; signature canonicalization then uses the form fields.
type ParsedBody struct {
	Kind     BodyKind
	Value    jsonvalue.Value
	Form     url.Values
	Field    string
	Strategy string
}

// Events returns the body as a list: a single event becomes a list of one.
func (b ParsedBody) Events() []jsonvalue.Value {
	switch b.Kind {
	case SingleEvent:
		return []jsonvalue.Value{b.Value}
	case EventList:
		items, _ := b.Value.Items()
		return items
	default:
		return nil
	}
}

// Strategy is one attempt at decoding a body. It returns errNotApplicable when
// the request does not look like something it handles.
type Strategy struct {
	Name  string
	Parse func(raw RawRequest) (ParsedBody, error)
}

// DefaultStrategies is the ordered fold used by NewParser.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: "json", Parse: parseJSONBody},
		{Name: "form", Parse: parseFormBody},
		{Name: "raw-json", Parse: parseRawJSONBody},
		{Name: "text-json", Parse: parseTextJSONBody},
	}
}

// Parser runs strategies in order until one succeeds.
type Parser struct {
	strategies []Strategy
}

func NewParser(strategies ...Strategy) *Parser {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	return &Parser{strategies: strategies}
}

// Parse decodes the request body. A TypeMismatchError from any strategy ends
// the fold; other failures fall through to the next strategy.
func (p *Parser) Parse(raw RawRequest) (ParsedBody, error) {
	if len(bytes.TrimSpace(raw.Body)) == 0 {
		return ParsedBody{}, &EmptyBodyError{}
	}

	var lastErr error
	for _, strategy := range p.strategies {
		body, err := strategy.Parse(raw)
		if err == nil {
			body.Strategy = strategy.Name
			return body, nil
		}
		if errors.Is(err, errNotApplicable) {
			continue
		}
		var mismatch *TypeMismatchError
		if errors.As(err, &mismatch) {
			return ParsedBody{}, err
		}
		lastErr = fmt.Errorf("%s: %w", strategy.Name, err)
	}

	if lastErr == nil {
		lastErr = errors.New("no parsing strategy accepted the body")
	}
	return ParsedBody{}, &ParseError{Cause: lastErr}
}

// errStringDocument defers a top-level JSON string to the text-json strategy.
var errStringDocument = errors.New("body is a JSON string literal")

func shapeOf(v jsonvalue.Value) (ParsedBody, error) {
	switch v.Kind() {
	case jsonvalue.Object:
		return ParsedBody{Kind: SingleEvent, Value: v}, nil
	case jsonvalue.Array:
		return ParsedBody{Kind: EventList, Value: v}, nil
	case jsonvalue.String:
		return ParsedBody{}, errStringDocument
	default:
		return ParsedBody{}, &TypeMismatchError{Kind: v.Kind()}
	}
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	return mt
}

func parseJSONBody(raw RawRequest) (ParsedBody, error) {
	if mt := mediaType(raw.ContentType); mt != "" && !strings.Contains(mt, "json") {
		return ParsedBody{}, errNotApplicable
	}
	v, err := jsonvalue.Parse(raw.Body)
	if err != nil {
		return ParsedBody{}, err
	}
	return shapeOf(v)
}

func parseFormBody(raw RawRequest) (ParsedBody, error) {
	if !strings.Contains(mediaType(raw.ContentType), "form") {
		return ParsedBody{}, errNotApplicable
	}

	form, err := decodeForm(raw)
	if err != nil {
		return ParsedBody{}, fmt.Errorf("failed to decode form: %w", err)
	}

	for _, field := range FormEventFields {
		values, ok := form[field]
		if !ok || len(values) == 0 {
			continue
		}
		v, err := jsonvalue.Parse([]byte(values[0]))
		if err != nil {
			return ParsedBody{}, fmt.Errorf("form field %q is not JSON: %w", field, err)
		}
		body, err := shapeOf(v)
		if err != nil {
			return ParsedBody{}, err
		}
		body.Form = form
		body.Field = field
		return body, nil
	}
	return ParsedBody{}, fmt.Errorf("form has none of the fields %s", strings.Join(FormEventFields, ", "))
}

func decodeForm(raw RawRequest) (url.Values, error) {
	mt, params, err := mime.ParseMediaType(raw.ContentType)
	if err == nil && strings.HasPrefix(mt, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, errors.New("multipart body without boundary")
		}
		form, err := multipart.NewReader(bytes.NewReader(raw.Body), boundary).ReadForm(multipartMemory)
		if err != nil {
			return nil, err
		}
		defer form.RemoveAll()
		return url.Values(form.Value), nil
	}
	return url.ParseQuery(string(raw.Body))
}

func parseRawJSONBody(raw RawRequest) (ParsedBody, error) {
	v, err := jsonvalue.Parse(bytes.TrimSpace(raw.Body))
	if err != nil {
		return ParsedBody{}, err
	}
	return shapeOf(v)
}

// parseTextJSONBody decodes the body as text, dropping a byte order mark and
// replacing invalid UTF-8, and unwraps a JSON document encoded as a JSON string.
func parseTextJSONBody(raw RawRequest) (ParsedBody, error) {
	text := strings.ToValidUTF8(string(raw.Body), "\uFFFD")
	text = strings.TrimSpace(strings.TrimPrefix(text, "\uFEFF"))
	outer, err := jsonvalue.Parse([]byte(text))
	if err != nil {
		return ParsedBody{}, err
	}
	inner, ok := outer.AsString()
	if !ok {
		return shapeOf(outer)
	}
	v, err := jsonvalue.Parse([]byte(strings.TrimSpace(inner)))
	if err != nil {
		return ParsedBody{}, &TypeMismatchError{Kind: jsonvalue.String}
	}
	body, err := shapeOf(v)
	if errors.Is(err, errStringDocument) {
		return ParsedBody{}, &TypeMismatchError{Kind: jsonvalue.String}
	}
	return body, err
}
