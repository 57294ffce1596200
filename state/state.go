package state

import (
	"context"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"
)

type Module interface {
	Init(s *State) error
	Cleanup(s *State) error
}

// State access must be done only on a single Goroutine
type State struct {
	*Env
	Modules   map[string]Module
	Neighbors map[EUI64]*Neighbor

	// Identity of the local node, resolved from config (or the radio) at startup.
	EUI64 EUI64

	Pan PanState
	Etx EtxCtx
	Nud NudCtx

	// OnNeighAdd runs after a neighbor cache entry is created, while it
	// is still pristine. OnNeighRemove runs after the entry is gone, for
	// tearing down derived state such as child host routes.
	OnNeighAdd    func(s *State, n *Neighbor)
	OnNeighRemove func(s *State, n *Neighbor)

	// Cumulative transmit air time, fed by the radio layer and consumed
	// by the duty-cycle monitor. Resettable over IPC.
	TxDurationMs uint32

	Stopping atomic.Bool
}

// PanState is the node's view of the PAN it is joined to (or joining).
// PanId 0xffff and PanVersion -1 mean unknown.
type PanState struct {
	PanId      uint16
	PrevPanId  uint16
	PanVersion int
	PanSize    uint16

	// Index of the group key currently used for secured transmission,
	// 1-based like the key index carried in the MAC auxiliary security
	// header. 0 means no key is active.
	GakIndex int
}

func (s *State) GetNeighbor(eui64 EUI64) *Neighbor {
	return s.Neighbors[eui64]
}

// AddNeighbor creates a cache entry for eui64 if none exists.
func (s *State) AddNeighbor(eui64 EUI64) *Neighbor {
	if n, ok := s.Neighbors[eui64]; ok {
		return n
	}
	n := NewNeighbor(s.Env, eui64)
	s.Neighbors[eui64] = n
	if s.OnNeighAdd != nil {
		s.OnNeighAdd(s, n)
	}
	s.Log.Debug("neigh-15.4 add", "eui64", eui64)
	return n
}

func (s *State) RemoveNeighbor(eui64 EUI64) {
	n, ok := s.Neighbors[eui64]
	if !ok {
		return
	}
	n.stopTimers()
	delete(s.Neighbors, eui64)
	if s.OnNeighRemove != nil {
		s.OnNeighRemove(s, n)
	}
	s.Log.Debug("neigh-15.4 del", "eui64", eui64)
}

// CleanNeighbors drops the whole neighbor cache, stopping every timer owned
// by the entries.
func (s *State) CleanNeighbors() {
	for eui64 := range s.Neighbors {
		s.RemoveNeighbor(eui64)
	}
}

// ResetIpv6Neighbors drops the IPv6 side of every cache entry (RPL
// metadata, addresses, reachability) while keeping the MAC-level
// statistics, for reconnecting to a PAN whose radio links are still
// known good.
func (s *State) ResetIpv6Neighbors() {
	for _, n := range s.Neighbors {
		if n.Rpl != nil {
			n.Rpl.DenyTimer.Stop()
			n.timers.Remove(n.Rpl.DenyTimer)
			n.Rpl = nil
		}
		n.GUA = netip.Addr{}
		s.SetNudState(n, NudStale)
	}
}

// Env can be read from any Goroutine
type Env struct {
	DispatchChannel chan<- func(s *State) error
	Cfg             Config
	Context         context.Context
	Cancel          context.CancelCauseFunc
	Log             *slog.Logger

	// Now is the clock used for all deadline arithmetic. Tests substitute it.
	Now func() time.Time
}
