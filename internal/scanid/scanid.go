// Package scanid generates the per-request scan identifiers used for
// tracing, audit correlation, and the X-OnGarde-Scan-ID header.
package scanid

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// entropy is a monotonic reader shared by the whole process. Monotonicity
// guarantees that IDs generated within the same millisecond still sort in
// generation order, which keeps audit queries in causal order.
var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a 26-character ULID string. IDs are lexicographically
// sortable and unique within the process.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}

// IsValid reports whether s is a well-formed 26-character ULID.
func IsValid(s string) bool {
	if len(s) != ulid.EncodedSize {
		return false
	}
	_, err := ulid.ParseStrict(s)
	return err == nil
}
