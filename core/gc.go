package core

import (
	"github.com/weftnet/weft/state"
)

// Gc runs the periodic sweeps nothing else owns a timer for.
type Gc struct{}

func (g *Gc) Init(s *state.State) error {
	s.RepeatTask(gcSweep, state.GcDelay)
	return nil
}

func (g *Gc) Cleanup(s *state.State) error {
	return nil
}

func gcSweep(s *state.State) error {
	// Drop discovery-only neighbors the expiry timer has somehow lost
	// track of: no addresses, no RPL state, nothing to keep.
	for _, n := range s.Neighbors {
		if n.Rpl == nil && !n.GUA.IsValid() && n.ExpireTimer.Stopped() {
			s.RemoveNeighbor(n.EUI64)
		}
	}
	if a := Get[*Security](s).Auth; a != nil {
		a.Gc(s)
	}
	return nil
}
