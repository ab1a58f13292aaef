// Package refgen produces candidate transaction references and account
// numbers. Candidates are computed locally with no shared counter;
// uniqueness is enforced by the store's constraints, with callers
// retrying on collision.
package refgen

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// tailAlphabet omits easily-confused characters (0/O, 1/I/L).
const tailAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const tailLen = 6

// Generator is safe for concurrent use.
type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func New() *Generator {
	return &Generator{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NewReference returns a candidate like "TXN-1717171717171-K7Q2M9":
// a millisecond timestamp plus a short random tail, which keeps
// collisions rare and the reference human-presentable.
func (g *Generator) NewReference() string {
	tail := make([]byte, tailLen)
	g.mu.Lock()
	for i := range tail {
		tail[i] = tailAlphabet[g.rnd.Intn(len(tailAlphabet))]
	}
	g.mu.Unlock()
	return fmt.Sprintf("TXN-%d-%s", time.Now().UnixMilli(), tail)
}

// NewAccountNumber returns a candidate 10-digit account number. The
// fixed leading digit keeps the length stable.
func (g *Generator) NewAccountNumber() string {
	g.mu.Lock()
	n := g.rnd.Int63n(1_000_000_000)
	g.mu.Unlock()
	return fmt.Sprintf("9%09d", n)
}
