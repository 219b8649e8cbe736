// Package idgen generates the two id shapes the engine relies on: ULID-like
// resource ids (lexicographically sortable, used as primary keys) and nanoid
// correlation ids (compact, collision-resistant, used on wire envelopes).
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/oklog/ulid/v2"
)

// entropy is a monotonic ULID source shared across calls so that ids minted
// within the same millisecond on this process still sort strictly
// increasing, which the pool and graph invariants rely on for deterministic
// tie-breaking by id.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewResourceID returns a new ULID-like, lexicographically sortable id
// suitable as a resource primary key.
func NewResourceID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// messageIDAlphabet mirrors the default nanoid alphabet; spelled out so the
// generated ids are safe to embed in URLs and log lines without escaping.
const messageIDAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz_-"

// messageIDLength is long enough that collision probability is negligible
// for the lifetime of a single connection's in-flight mutation set.
const messageIDLength = 21

// NewMessageID returns a new nanoid for correlating wire envelopes
// (SUBSCRIBE/SYNC/MUTATE/REJECT `_id`) and mutation ids.
func NewMessageID() string {
	id, err := gonanoid.Generate(messageIDAlphabet, messageIDLength)
	if err != nil {
		// Generate only fails if the system CSPRNG is broken; there is no
		// sane fallback at that point.
		panic("idgen: failed to generate nanoid: " + err.Error())
	}
	return id
}
