// Package sha256 fingerprints archived result payloads.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Hasher implements search.Hasher. Digests are lowercase hex.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex SHA-256 of data. Empty payloads are rejected since
// the worker never produces a valid empty artifact.
func (*Hasher) Hash(data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("sha256: empty payload")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
