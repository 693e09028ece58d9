package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"sort"
	"strings"

	"inbound-mail-webhooks-go/internal/jsonvalue"
	"inbound-mail-webhooks-go/internal/model"
)

// DefaultSignatureHeader carries the Mandrill-style body signature.
const DefaultSignatureHeader = "X-Mandrill-Signature"

// VerificationResult is the outcome of matching a signature against tenants.
// Tenant is nil unless Verified.
type VerificationResult struct {
	Tenant           *model.Tenant
	Verified         bool
	SignaturePresent bool
}

// CanonicalString builds the signed text: the full URL followed by either the
// sorted key/value pairs of a dictionary body, or the compact JSON of a list
// body. Form bodies sign their form fields.
func CanonicalString(fullURL string, body ParsedBody) string {
	var b strings.Builder
	b.WriteString(fullURL)

	if body.Form != nil {
		keys := make([]string, 0, len(body.Form))
		for k := range body.Form {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(k)
			b.WriteString(body.Form.Get(k))
		}
		return b.String()
	}

	switch body.Value.Kind() {
	case jsonvalue.Object:
		members, _ := body.Value.Members()
		keys := make([]string, 0, len(members))
		seen := make(map[string]bool, len(members))
		for _, m := range members {
			if !seen[m.Key] {
				seen[m.Key] = true
				keys = append(keys, m.Key)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			v, _ := body.Value.Get(k)
			b.WriteString(k)
			b.WriteString(signedValue(v))
		}
	case jsonvalue.Array:
		data, err := body.Value.MarshalJSON()
		if err == nil {
			b.Write(data)
		}
	}
	return b.String()
}

func signedValue(v jsonvalue.Value) string {
	if s, ok := v.AsString(); ok {
		return s
	}
	data, err := v.MarshalJSON()
	if err != nil {
		return ""
	}
	return string(data)
}

// Sign returns base64(HMAC-SHA1(secret, canonical)).
func Sign(secret, canonical string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(canonical))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify matches the signature against every active tenant with a secret.
// The first tenant whose expected signature compares equal wins.
func Verify(signature, fullURL string, body ParsedBody, tenants []model.Tenant) VerificationResult {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return VerificationResult{}
	}

	canonical := CanonicalString(fullURL, body)
	for i := range tenants {
		tenant := tenants[i]
		if !tenant.Active || tenant.SharedSecret == "" {
			continue
		}
		expected := Sign(tenant.SharedSecret, canonical)
		if hmac.Equal([]byte(expected), []byte(signature)) {
			return VerificationResult{Tenant: &tenant, Verified: true, SignaturePresent: true}
		}
	}
	return VerificationResult{SignaturePresent: true}
}
