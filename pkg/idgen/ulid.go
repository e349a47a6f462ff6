package idgen

import (
	"crypto/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// MustGenerateSortableID returns a new ULID. ULIDs sort lexicographically by
// creation time, which keeps event IDs ordered within a millisecond window.
func MustGenerateSortableID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id, err := ulid.New(ulid.Now(), entropy)
	if err != nil {
		panic(err)
	}
	return id.String()
}

// MustGenerateAggregateID returns a new opaque 128-bit aggregate identifier.
func MustGenerateAggregateID() string {
	return uuid.NewString()
}
