package webhook

import "strings"

// VerificationPolicy decides whether an unverified request may proceed.
// Requests without a signature always proceed unattributed.
type VerificationPolicy struct {
	Provider           string
	Environment        string
	RejectUnverifiedIn []string
}

// RejectsUnverified reports whether the current environment rejects
// requests whose signature matched no tenant.
func (p VerificationPolicy) RejectsUnverified() bool {
	for _, env := range p.RejectUnverifiedIn {
		if strings.EqualFold(strings.TrimSpace(env), p.Environment) {
			return true
		}
	}
	return false
}

// Check returns an UnverifiedSignatureError when a signature was presented,
// matched nobody, and the environment rejects such requests.
func (p VerificationPolicy) Check(result VerificationResult) error {
	if !result.SignaturePresent || result.Verified {
		return nil
	}
	if p.RejectsUnverified() {
		return &UnverifiedSignatureError{Provider: p.Provider}
	}
	return nil
}
