package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Prefixes used for entity identifiers.
const (
	User      = "usr"
	WorkItem  = "wi"
	Bundle    = "bdl"
	Family    = "fam"
	Refresh   = "rt"
	Unscoped  = ""
	separator = "_"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier. A non-empty prefix is
// prepended so ids are self-describing in logs ("wi_01J...").
func New(prefix string) string {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
	entropyMu.Unlock()
	if prefix == "" {
		return id
	}
	return prefix + separator + id
}

// Time extracts the creation instant encoded in an id produced by New.
func Time(id string) (time.Time, bool) {
	if i := strings.LastIndex(id, separator); i >= 0 {
		id = id[i+1:]
	}
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}
