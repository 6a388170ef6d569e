package storage

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// entropy is a monotonic ULID entropy source shared across saves so that
// identifiers minted within the same millisecond still sort strictly
// increasing. oklog/ulid's Monotonic wrapper is not safe for concurrent
// use, so access is serialized with a mutex.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewArtifactID mints a fresh 128-bit time-ordered identifier rendered
// as its 26-character Crockford base-32 string, used as the namespace
// for one session's saved artifacts.
func NewArtifactID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}
