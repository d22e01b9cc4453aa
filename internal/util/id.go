package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random hex id. Conversations, messages, invoices, and
// their events all share this format, as do generated request ids, so an id
// never says which table it came from.
func NewID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
