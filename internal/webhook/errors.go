package webhook

import (
	"errors"
	"fmt"

	"inbound-mail-webhooks-go/internal/jsonvalue"
)

// ErrAlreadyExists is returned by an EmailProcessor when the message id was
// persisted by an earlier delivery. The batch processor counts it as success.
var ErrAlreadyExists = errors.New("email already exists")

// errNotApplicable tells the parser fold to move on to the next strategy.
var errNotApplicable = errors.New("parsing strategy not applicable")

// ParseError means no parsing strategy could make sense of the body.
type ParseError struct {
	Cause error
}

func (e *ParseError) Error() string {
	if e.Cause == nil {
		return "invalid request body"
	}
	return fmt.Sprintf("invalid request body: %v", e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// EmptyBodyError means the request carried no payload at all.
type EmptyBodyError struct{}

func (e *EmptyBodyError) Error() string { return "empty request body" }

// TypeMismatchError means the body is valid JSON but neither an object nor an array.
type TypeMismatchError struct {
	Kind jsonvalue.Kind
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("expected JSON object or array, got %s", e.Kind)
}

// UnverifiedSignatureError is raised by the verification policy gate.
type UnverifiedSignatureError struct {
	Provider string
}

func (e *UnverifiedSignatureError) Error() string {
	return fmt.Sprintf("%s webhook signature did not match any tenant", e.Provider)
}

// UnknownEventTypeError rejects event types outside the allow-list.
type UnknownEventTypeError struct {
	EventType string
}

func (e *UnknownEventTypeError) Error() string {
	return fmt.Sprintf("unknown event type %q", e.EventType)
}

// DownstreamProcessingError wraps an EmailProcessor failure for one event.
type DownstreamProcessingError struct {
	MessageID string
	Cause     error
}

func (e *DownstreamProcessingError) Error() string {
	return fmt.Sprintf("failed to process email %q: %v", e.MessageID, e.Cause)
}

func (e *DownstreamProcessingError) Unwrap() error { return e.Cause }
