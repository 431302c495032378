// Package ids generates the envelope identifiers used for logging and
// trace correlation. IDs never travel on the wire.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewEnvelopeID returns a time-sortable ULID encoded as a 26-character
// string. IDs created by one process are strictly monotonic.
func NewEnvelopeID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// Timestamp extracts the creation time embedded in an envelope ID. It
// returns the zero time for malformed IDs.
func Timestamp(id string) time.Time {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(parsed.Time())
}
