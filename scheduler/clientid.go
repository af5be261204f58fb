package scheduler

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/nvshare-io/nvshare/internal/wireproto"
)

// idGenerator produces 64-bit client identifiers. It is a uniqueness
// scan against a small live table, not a security token, so it is backed
// by a deterministically-seedable math/rand source (seeded once from
// wall-clock at daemon start) rather than a cryptographic generator —
// see DESIGN.md for why a UUID library was considered and rejected here.
type idGenerator struct {
	rng *rand.Rand
}

func newIDGenerator() *idGenerator {
	return &idGenerator{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// next returns a fresh id that is neither the Unregistered sentinel nor
// already present in live, regenerating on collision.
func (g *idGenerator) next(live map[int]*clientRecord) uint64 {
	for {
		id := g.rng.Uint64()
		if id == wireproto.Unregistered {
			continue
		}
		if g.collides(id, live) {
			continue
		}
		return id
	}
}

func (g *idGenerator) collides(id uint64, live map[int]*clientRecord) bool {
	for _, c := range live {
		if c.registered() && c.id == id {
			return true
		}
	}
	return false
}

// formatHexID renders an id as the 16-hex-character string carried in a
// REGISTER reply's Data field.
func formatHexID(id uint64) string {
	return fmt.Sprintf("%016x", id)
}
