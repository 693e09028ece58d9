package webhook

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// RawRequest is the transport-independent view of one inbound delivery.
type RawRequest struct {
	Headers     http.Header
	Body        []byte
	ContentType string
	URL         string
}

// Header returns the first value of the named header.
func (r RawRequest) Header(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get(name)
}

func (r RawRequest) UserAgent() string { return r.Header("User-Agent") }

// ReadRequest drains the request body, up to maxBytes, and reconstructs the
// URL the provider signed. A body larger than maxBytes is a ParseError.
func ReadRequest(r *http.Request, maxBytes int64, publicBaseURL string) (RawRequest, error) {
	raw := RawRequest{
		Headers:     r.Header.Clone(),
		ContentType: r.Header.Get("Content-Type"),
		URL:         CanonicalURL(r, publicBaseURL),
	}
	if r.Body == nil {
		return raw, nil
	}
	defer r.Body.Close()

	reader := io.Reader(r.Body)
	if maxBytes > 0 {
		reader = io.LimitReader(r.Body, maxBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return raw, &ParseError{Cause: fmt.Errorf("failed to read body: %w", err)}
	}
	if maxBytes > 0 && int64(len(body)) > maxBytes {
		return raw, &ParseError{Cause: fmt.Errorf("body exceeds %d bytes", maxBytes)}
	}
	raw.Body = body
	return raw, nil
}

// CanonicalURL rebuilds the absolute URL of the request as the provider saw it.
// publicBaseURL, when set, replaces the scheme and host.
func CanonicalURL(r *http.Request, publicBaseURL string) string {
	if base := strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"); base != "" {
		return base + r.URL.RequestURI()
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := firstCSV(r.Header.Get("X-Forwarded-Proto")); proto != "" {
		scheme = strings.ToLower(proto)
	}

	host := r.Host
	if forwarded := firstCSV(r.Header.Get("X-Forwarded-Host")); forwarded != "" {
		host = forwarded
	}

	return scheme + "://" + host + r.URL.RequestURI()
}

func firstCSV(value string) string {
	if i := strings.IndexByte(value, ','); i >= 0 {
		value = value[:i]
	}
	return strings.TrimSpace(value)
}
