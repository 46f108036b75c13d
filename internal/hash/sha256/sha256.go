// Package sha256 provides the content digest used for change detection.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of a response body.
func (h *Hasher) Hash(data []byte) (string, error) {
	return Sum(data), nil
}

// Sum is the bare digest, also used to derive archive keys from URLs.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
