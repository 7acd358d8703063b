// Package circuit implements the circuit lifecycle state machine:
// payment-commitment generation, EXTENDPAIDCIRCUIT construction,
// circuit-status polling, and teardown.
package circuit

import (
	"sync"
	"time"

	"github.com/el-tor/eltord-go/pathselect"
)

// State is one of the circuit lifecycle states reported by
// GETINFO circuit-status.
type State string

const (
	StateLaunched State = "LAUNCHED"
	StateBuilding State = "BUILDING"
	StateExtended State = "EXTENDED"
	StateBuilt    State = "BUILT"
	StateFailed   State = "FAILED"
	StateClosed   State = "CLOSED"
)

// Hop is a selected relay together with the payment commitment generated
// for it at build time.
type Hop struct {
	pathselect.Hop
	Commitment *Commitment
}

// Circuit is a built (or building) paid circuit: three hops, a lifecycle
// state, and a primary/backup role.
type Circuit struct {
	mu sync.Mutex

	ID        string
	Hops      []Hop
	state     State
	IsPrimary bool
	IsBackup  bool
	StartedAt time.Time
}

func (c *Circuit) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Circuit) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// RoundPreimage returns the locally kept preimage for the given hop index
// (0-based) and round (1-based). The payment scheduler does not call it.
func (c *Circuit) RoundPreimage(hopIdx, round int) (string, bool) {
	if hopIdx < 0 || hopIdx >= len(c.Hops) {
		return "", false
	}
	h := c.Hops[hopIdx]
	if h.Commitment == nil || round < 1 || round > len(h.Commitment.RoundPreimages) {
		return "", false
	}
	return h.Commitment.RoundPreimages[round-1], true
}
