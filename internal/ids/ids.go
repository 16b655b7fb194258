package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Prefixes used for ledger identifiers.
const (
	Wallet   = "wal"
	Account  = "acc"
	Entry    = "ent"
	Order    = "ord"
	Transfer = "trf"
	Event    = "evt"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewPrefixed returns New() qualified with a type prefix, e.g. "ord_01J...".
// Sort order within one prefix follows creation time.
func NewPrefixed(prefix string) string {
	if prefix == "" {
		return New()
	}
	return prefix + "_" + New()
}
