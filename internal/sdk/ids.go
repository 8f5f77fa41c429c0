package sdk

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Id prefixes of generated entities.
const (
	RecordIDPrefix = "rec"
	FieldIDPrefix  = "fld"
)

// IDGenerator produces collision-resistant ids for entities created
// optimistically. Ids from one generator are strictly increasing.
type IDGenerator struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

// NewIDGenerator creates a generator using crypto/rand entropy.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// New returns prefix followed by a fresh ULID.
func (g *IDGenerator) New(prefix string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return prefix + ulid.MustNew(ulid.Timestamp(g.now()), g.entropy).String()
}
