package state

import (
	"math"
	"math/rand/v2"
	"net/netip"
	"time"
)

// NudState tracks neighbor reachability per RFC 4861 7.3.2. INCOMPLETE
// does not exist here: entries are only created once a frame has been
// heard from the peer, so there is no address resolution phase.
type NudState int

const (
	NudStale NudState = iota
	NudReachable
	NudDelay
	NudProbe
)

func (st NudState) String() string {
	switch st {
	case NudStale:
		return "stale"
	case NudReachable:
		return "reachable"
	case NudDelay:
		return "delay"
	case NudProbe:
		return "probe"
	}
	return "invalid"
}

// Wi-SUN FAN 1.1v08 6.2.3.1.6.1 Link Metrics
const rslEwmaSf = 1.0 / 8

// Neighbor merges the MAC-layer view of a peer (frame counters, signal
// levels, ETX) with its IPv6 neighbor cache entry (addresses, NUD state,
// RPL metadata). Entries are keyed by EUI-64 in State.Neighbors; timers
// capture the key rather than the pointer and look the entry up again
// when they fire, so an evicted neighbor cannot act from beyond the grave.
type Neighbor struct {
	EUI64     EUI64
	LinkLocal netip.Addr
	// Global unicast address, derived from the DODAG prefix. Unset until
	// a DIO names the prefix.
	GUA netip.Addr

	// Last PAN advertisement heard from this neighbor.
	PanId       uint16
	PanSize     uint16
	RoutingCost uint16

	// EWMAs of the signal level we measure (in) and the one the neighbor
	// reports back for our frames (out), in dBm. NaN until sampled.
	RslInDbm  float32
	RslOutDbm float32

	// Lowest acceptable RX frame counter, one slot per GTK then LGTK.
	FrameCounterMin [GtkCount + LgtkCount]uint32

	Etx Etx

	NudState NudState
	nudTimer *Timer
	nudTries int

	// Entry lifetime, refreshed on authenticated traffic.
	ExpireTimer *Timer

	// Non-nil once a DIO has been heard from this neighbor.
	Rpl *RplNeighbor

	timers TimerGroup
}

// RplNeighbor is the RPL side of a neighbor cache entry.
type RplNeighbor struct {
	Rank         uint16
	Dtsn         uint8
	DodagId      netip.Addr
	DodagVersion uint8
	Config       DodagConfig

	IsParent bool
	// Set once the root acknowledged a DAO naming this neighbor as
	// transit. Cleared on every parent switch.
	DaoAckReceived bool
	// Hysteresis flag for the RSL candidacy check: once set, the
	// candidate only drops out when both EWMAs fall below the lower
	// threshold.
	RslValid bool

	// A running deny timer bars the neighbor from parent selection.
	// The arming site owns the policy; selection only reads it.
	DenyTimer *Timer
}

// DodagConfig mirrors the RPL DODAG Configuration option (RFC 6550 6.7.6).
type DodagConfig struct {
	DioIntMin       uint8
	DioIntDoublings uint8
	DioRedundancy   uint8
	MaxRankInc      uint16
	MinHopRankInc   uint16
	Ocp             uint16
	DefaultLifetime uint8
	LifetimeUnit    uint16
}

func NewNeighbor(env *Env, eui64 EUI64) *Neighbor {
	n := &Neighbor{
		EUI64:     eui64,
		LinkLocal: eui64.LinkLocal(),
		PanId:     0xffff,
		RslInDbm:  float32(math.NaN()),
		RslOutDbm: float32(math.NaN()),
	}
	n.Etx.init(env, &n.timers, eui64)
	n.nudTimer = NewTimer(env, &n.timers, func(s *State) error {
		if n := s.Neighbors[eui64]; n != nil {
			return s.nudExpire(n)
		}
		return nil
	})
	n.ExpireTimer = NewTimer(env, &n.timers, func(s *State) error {
		s.RemoveNeighbor(eui64)
		return nil
	})
	n.ExpireTimer.StartRel(AroLifetime)
	return n
}

func (n *Neighbor) stopTimers() {
	n.timers.StopAll()
}

// Refresh restarts the entry lifetime.
func (n *Neighbor) Refresh() {
	n.ExpireTimer.StartRel(AroLifetime)
}

// EnsureRpl allocates the RPL side of the entry on the first DIO.
func (n *Neighbor) EnsureRpl(env *Env) *RplNeighbor {
	if n.Rpl == nil {
		n.Rpl = &RplNeighbor{
			Rank:      RankInfinite,
			DenyTimer: NewTimer(env, &n.timers, func(s *State) error { return nil }),
		}
	}
	return n.Rpl
}

// SampleRslIn folds a received signal level into the inbound EWMA.
func (n *Neighbor) SampleRslIn(dbm float32) {
	n.RslInDbm = ewma(n.RslInDbm, dbm, rslEwmaSf)
}

// SampleRslOut folds the level the neighbor reports for our frames into
// the outbound EWMA.
func (n *Neighbor) SampleRslOut(dbm float32) {
	n.RslOutDbm = ewma(n.RslOutDbm, dbm, rslEwmaSf)
}

// NudCtx carries the unreachability detection hooks. Probe must transmit
// a unicast Neighbor Solicitation; Unreachable runs once the probe budget
// is spent.
type NudCtx struct {
	Probe       func(s *State, n *Neighbor) error
	Unreachable func(s *State, n *Neighbor) error
}

// SetNudState moves the entry and arms the matching timer, RFC 4861 7.3.
func (s *State) SetNudState(n *Neighbor, st NudState) {
	n.NudState = st
	switch st {
	case NudReachable:
		// ReachableTime = uniform(0.5, 1.5) * BaseReachableTime
		n.nudTimer.StartRel(time.Duration((0.5 + rand.Float64()) * float64(NudReachBase)))
	case NudStale:
		n.nudTimer.Stop()
	case NudDelay:
		n.nudTimer.StartRel(NudProbeDelay)
	case NudProbe:
		n.nudTries = 0
		n.nudTimer.StartRel(0)
	}
	s.Log.Debug("nud", "eui64", n.EUI64, "state", st)
}

func (s *State) nudExpire(n *Neighbor) error {
	switch n.NudState {
	case NudReachable:
		s.SetNudState(n, NudStale)
	case NudDelay:
		s.SetNudState(n, NudProbe)
	case NudProbe:
		if n.nudTries >= NudMaxUnicastProbe {
			if s.Nud.Unreachable != nil {
				return s.Nud.Unreachable(s, n)
			}
			return nil
		}
		n.nudTries++
		n.nudTimer.StartRel(NudRetransTimer)
		if s.Nud.Probe != nil {
			return s.Nud.Probe(s, n)
		}
	}
	return nil
}
