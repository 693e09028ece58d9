package webhook

import (
	"crypto/tls"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRequest(t *testing.T) {
	req := httptest.NewRequest("POST", "http://hooks.test/api/v1/webhooks/mandrill?x=1", strings.NewReader(`{"type":"ping"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mandrill-Webhook/1.0")

	raw, err := ReadRequest(req, 1024, "")
	require.NoError(t, err)
	assert.Equal(t, `{"type":"ping"}`, string(raw.Body))
	assert.Equal(t, "application/json", raw.ContentType)
	assert.Equal(t, "Mandrill-Webhook/1.0", raw.UserAgent())
	assert.Equal(t, "http://hooks.test/api/v1/webhooks/mandrill?x=1", raw.URL)
}

func TestReadRequestRejectsOversizedBody(t *testing.T) {
	req := httptest.NewRequest("POST", "http://hooks.test/hook", strings.NewReader(strings.Repeat("a", 11)))

	_, err := ReadRequest(req, 10, "")
	var parseErr *ParseError
	assert.ErrorAs(t, err, &parseErr)

	req = httptest.NewRequest("POST", "http://hooks.test/hook", strings.NewReader(strings.Repeat("a", 10)))
	raw, err := ReadRequest(req, 10, "")
	require.NoError(t, err)
	assert.Len(t, raw.Body, 10)
}

func TestCanonicalURL(t *testing.T) {
	req := httptest.NewRequest("POST", "http://internal:8080/api/v1/webhooks/mandrill", nil)
	assert.Equal(t, "http://internal:8080/api/v1/webhooks/mandrill", CanonicalURL(req, ""))

	req.Header.Set("X-Forwarded-Proto", "https, http")
	req.Header.Set("X-Forwarded-Host", "hooks.example.com")
	assert.Equal(t, "https://hooks.example.com/api/v1/webhooks/mandrill", CanonicalURL(req, ""))

	assert.Equal(t, "https://public.example.com/api/v1/webhooks/mandrill", CanonicalURL(req, "https://public.example.com/"))

	tlsReq := httptest.NewRequest("POST", "http://secure.test/hook", nil)
	tlsReq.TLS = &tls.ConnectionState{}
	assert.Equal(t, "https://secure.test/hook", CanonicalURL(tlsReq, ""))
}
