// Package idgen generates identifiers for ledger requests and transactions.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"go.jetify.com/typeid/v2"
)

const (
	PrefixRequest     = "req"
	PrefixTransaction = "tx"
	PrefixBatch       = "batch"
)

// New returns a K-sortable identifier of the form "prefix_suffix".
// It falls back to a random hex suffix if the prefix is rejected.
func New(prefix string) string {
	tid, err := typeid.Generate(prefix)
	if err != nil {
		return Token(prefix + "_")
	}
	return tid.String()
}

// RequestID returns a new ledger request identifier.
func RequestID() string { return New(PrefixRequest) }

// TransactionRef returns a new settlement transaction reference.
func TransactionRef() string { return New(PrefixTransaction) }

// Token generates a random token with the given prefix (test credentials, api keys).
func Token(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	return prefix + hex.EncodeToString(bytes)
}
