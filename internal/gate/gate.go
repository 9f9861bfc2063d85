package gate

import (
	"sync"
	"time"

	"nuha.dev/fieldsync/internal/clock"
)

// Gate is a token bucket of capacity one. Taking the token closes the gate
// and the token comes back one refractory window later.
type Gate struct {
	mu         sync.Mutex
	clk        clock.Clock
	refractory time.Duration
	open       bool
	refill     clock.Timer
	gen        uint64
}

func New(clk clock.Clock, refractory time.Duration) *Gate {
	return &Gate{clk: clk, refractory: refractory, open: true}
}

func (g *Gate) Open() {
	g.mu.Lock()
	g.open = true
	g.mu.Unlock()
}

func (g *Gate) Close() {
	g.mu.Lock()
	g.open = false
	g.mu.Unlock()
}

func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// Acquire takes the token if the gate is open.
func (g *Gate) Acquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		return false
	}
	g.open = false
	g.armRefill()
	return true
}

// Settle makes sure a closed gate reopens after the refractory window. It
// is a no-op while a refill is already pending.
func (g *Gate) Settle() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.armRefill()
	}
}

// Reset drops a pending refill and reopens the gate.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refill != nil {
		g.refill.Stop()
		g.refill = nil
	}
	g.gen++
	g.open = true
}

func (g *Gate) armRefill() {
	if g.refill != nil {
		return
	}
	gen := g.gen
	g.refill = g.clk.AfterFunc(g.refractory, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if gen != g.gen {
			return
		}
		g.refill = nil
		g.open = true
	})
}
