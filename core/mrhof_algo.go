package core

import (
	"bytes"
	"math"
	"slices"

	"github.com/weftnet/weft/state"
)

// Mrhof implements the Minimum Rank with Hysteresis Objective Function,
// RFC 6719, with the Wi-SUN profile of RFC 8180: the metric is ETX, the
// parent set holds a single member, and candidacy additionally requires
// the signal level checks of Wi-SUN FAN 1.1v09 6.2.3.1.6.3.
type Mrhof struct {
	// RFC 6719 5. MRHOF Variables and Parameters, all in the 128-scaled
	// ETX unit.
	MaxLinkMetric         float32
	MaxPathCost           float32
	ParentSwitchThreshold float32

	// Receiver sensitivity floor for the candidate signal check, dBm.
	DeviceMinSensDbm int

	// Lowest rank this node has advertised within the current DODAG
	// version, the L_0xffff of RFC 6550 8.2.2.4. Bounds how far the
	// node may descend before it must poison instead.
	LowestAdvertisedRank uint16

	// OnPrefParentChange runs after the parent set changed; nil neighbor
	// means the set is now empty.
	OnPrefParentChange func(s *state.State, n *state.Neighbor) error
}

func (m *Mrhof) SetDefaultParams() {
	m.MaxLinkMetric = state.MaxLinkMetric
	m.MaxPathCost = state.MaxPathCost
	m.ParentSwitchThreshold = state.ParentSwitchThreshold
	m.LowestAdvertisedRank = state.RankInfinite
}

// PrefParent returns the parent set's single member, or nil.
func PrefParent(s *state.State) *state.Neighbor {
	for _, n := range s.Neighbors {
		if n.Rpl != nil && n.Rpl.IsParent {
			return n
		}
	}
	return nil
}

// sortedRplNeighbors returns the neighbors carrying RPL metadata in
// EUI-64 order, so selection between equal path costs is stable.
func sortedRplNeighbors(s *state.State) []*state.Neighbor {
	var out []*state.Neighbor
	for _, n := range s.Neighbors {
		if n.Rpl != nil {
			out = append(out, n)
		}
	}
	slices.SortFunc(out, func(a, b *state.Neighbor) int {
		return bytes.Compare(a.EUI64[:], b.EUI64[:])
	})
	return out
}

// RFC 6719 3.3. Computing the Path Cost
func (m *Mrhof) PathCost(n *state.Neighbor) float32 {
	if math.IsNaN(float64(n.Etx.Val)) {
		return m.MaxPathCost
	}
	return n.Etx.Val + float32(n.Rpl.Rank)
}

func pathRank(cost float32) uint16 {
	return uint16(min(cost, float32(state.RankInfinite)))
}

// Wi-SUN FAN 1.1v09 6.2.3.1.6.3 Upward Route Formation: a candidate
// enters the parent set only while both measured and reported signal
// levels clear the sensitivity floor, with hysteresis so a flapping
// link does not flap the parent set.
func (m *Mrhof) rslValid(n *state.Neighbor) bool {
	hi := float32(m.DeviceMinSensDbm + state.CandParentThresholdDb + state.CandParentHysteresisDb)
	lo := float32(m.DeviceMinSensDbm + state.CandParentThresholdDb - state.CandParentHysteresisDb)
	if n.RslInDbm > hi && n.RslOutDbm > hi {
		n.Rpl.RslValid = true
	} else if n.RslInDbm < lo && n.RslOutDbm < lo {
		n.Rpl.RslValid = false
	}
	return n.Rpl.RslValid
}

func dagRank(rank, minHopRankInc uint16) uint16 {
	if minHopRankInc == 0 {
		return rank
	}
	return rank / minHopRankInc
}

// RankLimit bounds the rank this node may take, RFC 6550 8.2.2.4.3: the
// node must not advance deeper than DAGMaxRankIncrease beyond the lowest
// rank it has advertised within the DODAG version.
func (m *Mrhof) RankLimit(conf state.DodagConfig) uint16 {
	if m.LowestAdvertisedRank == state.RankInfinite {
		return state.RankInfinite
	}
	maxDagRank := dagRank(add16sat(m.LowestAdvertisedRank, conf.MaxRankInc), conf.MinHopRankInc)
	limit := uint32(maxDagRank+1) * uint32(conf.MinHopRankInc)
	if limit >= uint32(state.RankInfinite) {
		return state.RankInfinite
	}
	return uint16(limit) - 1
}

// rankThrough is the RFC 6719 3.5 rank computed as if n were the parent
// set's sole member: the rank-limit check judges a candidate by the rank
// this node would have to advertise through it, not by the bare path
// rank.
func (m *Mrhof) rankThrough(n *state.Neighbor) uint16 {
	rank := pathRank(m.PathCost(n))
	if inc := uint32(n.Rpl.Config.MinHopRankInc); inc > 0 {
		r := min(inc*(uint32(n.Rpl.Rank)/inc+1), uint32(state.RankInfinite))
		rank = max(rank, uint16(r))
	}
	if pr := pathRank(m.PathCost(n)); pr > n.Rpl.Config.MaxRankInc {
		rank = max(rank, pr-n.Rpl.Config.MaxRankInc)
	}
	return rank
}

// CheckCandidate reports why n cannot serve as parent, or "" when it
// can. A missing ETX estimate starts a NUD probe to provoke the traffic
// the estimator needs.
func (m *Mrhof) CheckCandidate(s *state.State, n *state.Neighbor, rankLimit uint16) string {
	if math.IsNaN(float64(n.Etx.Val)) {
		if n.NudState != state.NudProbe {
			s.SetNudState(n, state.NudProbe)
		}
		return "etx"
	}
	if !m.rslValid(n) {
		return "rsl"
	}
	if n.Etx.Val > m.MaxLinkMetric {
		return "etx"
	}
	if !n.Rpl.DenyTimer.Stopped() {
		return "denied"
	}
	if m.rankThrough(n) > rankLimit {
		return "rank"
	}
	return ""
}

// HasCandidates reports whether any neighbor could join the parent set,
// ignoring the rank limit. Decides between "find a better parent" and
// "leave the PAN" when the current parent is lost.
func (m *Mrhof) HasCandidates(s *state.State) bool {
	for _, n := range sortedRplNeighbors(s) {
		if m.CheckCandidate(s, n, state.RankInfinite) == "" {
			return true
		}
	}
	return false
}

// SelectParent runs the parent set selection of RFC 6719 3.2 and returns
// the new preferred parent (possibly nil, possibly unchanged). The
// IsParent flags are updated; announcing the change is the caller's job.
func (m *Mrhof) SelectParent(s *state.State) *state.Neighbor {
	cur := PrefParent(s)

	curMinPathCost := m.MaxPathCost
	rankLimit := state.RankInfinite
	if cur != nil {
		if cur.Rpl.DenyTimer.Stopped() {
			curMinPathCost = m.PathCost(cur)
		}
		rankLimit = m.RankLimit(cur.Rpl.Config)
	}

	var best *state.Neighbor
	bestCost := m.MaxPathCost
	for _, n := range sortedRplNeighbors(s) {
		if reason := m.CheckCandidate(s, n, rankLimit); reason != "" {
			s.Log.Debug("rpl: candidate discarded", "eui64", n.EUI64, "reason", reason)
			continue
		}
		if cost := m.PathCost(n); cost < bestCost {
			best = n
			bestCost = cost
		}
	}

	if best == cur && curMinPathCost < m.MaxPathCost {
		return cur
	}
	/*
	 * RFC 6719 3.2: a node MAY switch [...] only if the path through the
	 * new parent is shorter than the current path by at least
	 * PARENT_SWITCH_THRESHOLD.
	 */
	if curMinPathCost < m.MaxPathCost && bestCost < m.MaxPathCost &&
		bestCost+m.ParentSwitchThreshold > curMinPathCost {
		return cur
	}

	if cur != nil {
		cur.Rpl.IsParent = false
	}
	if best != nil {
		best.Rpl.IsParent = true
	}
	return best
}

// Rank computes the rank to advertise, RFC 6719 3.5. With a single
// parent in the set the three clauses collapse mostly onto the first,
// but all are computed so a grown parent set keeps working.
func (m *Mrhof) Rank(s *state.State) uint16 {
	parent := PrefParent(s)
	if parent == nil {
		return state.RankInfinite
	}

	// the rank of the path through the preferred parent
	rank := pathRank(m.PathCost(parent))

	for _, n := range sortedRplNeighbors(s) {
		if !n.Rpl.IsParent {
			continue
		}
		// one MinHopRankIncrease more than the highest-rank member
		if inc := uint32(n.Rpl.Config.MinHopRankInc); inc > 0 {
			r := min(inc*(uint32(n.Rpl.Rank)/inc+1), uint32(state.RankInfinite))
			rank = max(rank, uint16(r))
		}
		// the largest member path rank minus MaxRankIncrease
		pr := pathRank(m.PathCost(n))
		if pr > n.Rpl.Config.MaxRankInc {
			rank = max(rank, pr-n.Rpl.Config.MaxRankInc)
		}
	}
	return rank
}
