package bus

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"
)

// CanonicalizeContent serializes a message's content map under RFC 8785
// JSON Canonicalization, so that the same logical content always hashes to
// the same bytes regardless of key insertion order. This feeds the policy
// adapter's cache key and ContentHash below.
func CanonicalizeContent(content map[string]any) ([]byte, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// ContentHash returns the sha256 of the canonicalized content, hex-encoded
// and prefixed in the form "sha256:<hex>".
func ContentHash(content map[string]any) (string, error) {
	canon, err := CanonicalizeContent(content)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
