package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier for stored records
// (extension tokens, seats).
func New() string {
	return NewAt(time.Now())
}

// NewAt returns a sortable identifier whose timestamp component is t.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// NewSessionID returns an unguessable identifier for an editor session.
// Session ids travel inside refresh tokens, so they come from crypto/rand
// rather than the monotonic ULID source.
func NewSessionID() string {
	return uuid.NewString()
}

// NewTokenID returns a value for the jti claim.
func NewTokenID() string {
	return uuid.NewString()
}
