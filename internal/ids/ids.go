package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// newULID returns a lexicographically sortable identifier.
func newULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// WithPrefix returns a ULID prefixed with "<prefix>_". Audit records, queued
// registrations and request ids all use it so they sort by creation time.
func WithPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return newULID()
	}
	return prefix + "_" + strings.ToLower(newULID())
}
