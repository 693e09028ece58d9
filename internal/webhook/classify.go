package webhook

import "inbound-mail-webhooks-go/internal/jsonvalue"

// IsPing reports whether the body is a provider connectivity check: a single
// ping event, or a list whose first element is one.
func IsPing(body ParsedBody) bool {
	switch body.Kind {
	case SingleEvent:
		return isPingEvent(body.Value)
	case EventList:
		first, ok := body.Value.Index(0)
		return ok && isPingEvent(first)
	default:
		return false
	}
}

func isPingEvent(v jsonvalue.Value) bool {
	return v.GetString("type") == "ping" || v.GetString("event") == "ping"
}

// IsEmptyList reports whether the body is a list with no events.
func IsEmptyList(body ParsedBody) bool {
	return body.Kind == EventList && body.Value.Len() == 0
}
