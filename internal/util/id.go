package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a 128-bit random hex identifier, optionally prefixed
// with an entity tag ("usr", "ss", "sh").
func NewID(prefix string) string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	id := hex.EncodeToString(buf[:])
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
