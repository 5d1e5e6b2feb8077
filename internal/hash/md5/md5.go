// Package md5 derives the short digests used in asset file names.
package md5

import (
	"crypto/md5" // #nosec G501 -- digests name files, they do not protect anything.
	"encoding/hex"
)

// ShortLen is the number of hex characters kept by Short.
const ShortLen = 8

// Hasher produces MD5 hex digests.
type Hasher struct{}

// New returns an MD5 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) string {
	sum := md5.Sum(data) // #nosec G401
	return hex.EncodeToString(sum[:])
}

// Short returns the first ShortLen hex characters of the digest of s.
func Short(s string) string {
	return New().Hash([]byte(s))[:ShortLen]
}
