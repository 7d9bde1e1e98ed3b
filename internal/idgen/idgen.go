// Package idgen provides job identifier generation for the cache and
// engine. Production code uses UUIDv7Generator (time-sortable ids); tests
// use FixedGenerator so assertions do not depend on wall-clock ordering.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator produces a fresh job id on each call.
type Generator interface {
	NewID() string
}

// UUIDv7Generator generates time-sortable UUIDv7 job ids.
type UUIDv7Generator struct{}

// NewID returns a freshly generated UUIDv7 string.
func (UUIDv7Generator) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator replays a preset sequence of ids, falling back to a
// deterministic placeholder once exhausted.
type FixedGenerator struct {
	ids []string
	i   int
}

// NewFixedGenerator builds a FixedGenerator that replays ids in order.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// NewID returns the next preset id.
func (g *FixedGenerator) NewID() string {
	if g.i >= len(g.ids) {
		id := fmt.Sprintf("fixed-%d", g.i)
		g.i++
		return id
	}
	id := g.ids[g.i]
	g.i++
	return id
}
