package util

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"
	"github.com/renstrom/shortuuid"
)

var (
	entropy      = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	entropyMutex sync.Mutex
)

// NewULID returns a lexicographically sortable id; used for session ids.
func NewULID() string {
	entropyMutex.Lock()
	defer entropyMutex.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Now(), entropy).String())
}

// NewClientName returns a short unique name for a broker client, e.g. "coordinator-3hJk2...".
func NewClientName(prefix string) string {
	return prefix + "-" + shortuuid.New()
}
