package bus

import "crypto/subtle"

// ConstitutionalHash is the fixed 16-hex identifier every message must
// carry verbatim. It is a build-time constant, not configuration: the
// constitutional gate compares against this value, never against a
// value read from untrusted input.
const ConstitutionalHash = "cdd01ef066bc6cf2"

// CompareHash reports whether candidate byte-exact equals ConstitutionalHash
// using a constant-time comparison. crypto/subtle.ConstantTimeCompare does
// not short-circuit on the first differing byte, unlike Go's built-in `==`
// on strings.
func CompareHash(candidate string) bool {
	want := []byte(ConstitutionalHash)
	got := []byte(candidate)
	if len(want) != len(got) {
		// Still run a constant-time compare against a same-length buffer so
		// that length mismatches don't create an even cheaper timing
		// oracle than a byte mismatch would.
		padded := make([]byte, len(want))
		copy(padded, got)
		subtle.ConstantTimeCompare(want, padded)
		return false
	}
	return subtle.ConstantTimeCompare(want, got) == 1
}

// SanitizeHash truncates a hash-like value to its first 8 hex characters
// followed by an ellipsis. Full hash values must never appear in logs or
// API responses.
func SanitizeHash(h string) string {
	const visible = 8
	if len(h) <= visible {
		return h + "…"
	}
	return h[:visible] + "…"
}
