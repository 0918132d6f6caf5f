// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and content digests. Every identity in the control plane
// (event IDs, log chain hashes, manifest digests) is derived from canonical
// bytes so that two nodes serializing the same value always agree.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON encoding of v.
//
// Map keys are sorted lexicographically by UTF-16 code units and HTML
// escaping is disabled, so the output is byte-stable across processes
// and architectures.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return canonical, nil
}

// Hash returns the SHA-256 digest of the canonical JSON encoding of v,
// prefixed with the algorithm name.
func Hash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
