package core

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftnet/weft/state"
)

func testMrhof() *Mrhof {
	m := &Mrhof{DeviceMinSensDbm: -94}
	m.SetDefaultParams()
	return m
}

// addCandidate creates a neighbor that passes every candidacy check.
func addCandidate(s *state.State, last byte, rank uint16, etx float32) *state.Neighbor {
	n := s.AddNeighbor(state.EUI64{0xbb, 0, 0, 0, 0, 0, 0, last})
	n.Etx.Val = etx
	n.RslInDbm = -60
	n.RslOutDbm = -60
	rpl := n.EnsureRpl(s.Env)
	rpl.Rank = rank
	rpl.Config = state.DodagConfig{MinHopRankInc: 128, MaxRankInc: 0}
	return n
}

func TestSelectParentPrefersLowestPathCost(t *testing.T) {
	s, _ := testCoreState(t)
	m := testMrhof()

	far := addCandidate(s, 1, 512, 128)
	near := addCandidate(s, 2, 256, 128)

	got := m.SelectParent(s)
	require.NotNil(t, got)
	assert.Equal(t, near.EUI64, got.EUI64)
	assert.True(t, near.Rpl.IsParent)
	assert.False(t, far.Rpl.IsParent)
	assert.Same(t, near, PrefParent(s))
}

func TestSelectParentEmpty(t *testing.T) {
	s, _ := testCoreState(t)
	m := testMrhof()
	assert.Nil(t, m.SelectParent(s))
	assert.Nil(t, PrefParent(s))
}

func TestParentSwitchHysteresis(t *testing.T) {
	s, _ := testCoreState(t)
	m := testMrhof()

	cur := addCandidate(s, 1, 512, 128) // path cost 640
	require.Same(t, cur, m.SelectParent(s))

	// A marginally better path must not steal the parent set.
	closeCall := addCandidate(s, 2, 384, 128) // path cost 512
	assert.Same(t, cur, m.SelectParent(s))
	assert.True(t, cur.Rpl.IsParent)
	assert.False(t, closeCall.Rpl.IsParent)

	// Improving by the full switch threshold does.
	better := addCandidate(s, 3, 256, 128) // path cost 384
	got := m.SelectParent(s)
	require.NotNil(t, got)
	assert.Equal(t, better.EUI64, got.EUI64)
	assert.False(t, cur.Rpl.IsParent)
	assert.True(t, better.Rpl.IsParent)
}

func TestCheckCandidateRejections(t *testing.T) {
	s, _ := testCoreState(t)
	m := testMrhof()

	noEtx := addCandidate(s, 1, 256, 128)
	noEtx.Etx.Val = float32(math.NaN())
	assert.Equal(t, "etx", m.CheckCandidate(s, noEtx, state.RankInfinite))
	// A missing estimate provokes a probe so traffic starts flowing.
	assert.Equal(t, state.NudProbe, noEtx.NudState)

	lossy := addCandidate(s, 2, 256, state.MaxLinkMetric+1)
	assert.Equal(t, "etx", m.CheckCandidate(s, lossy, state.RankInfinite))

	faint := addCandidate(s, 3, 256, 128)
	faint.RslInDbm = -92
	faint.RslOutDbm = -92
	assert.Equal(t, "rsl", m.CheckCandidate(s, faint, state.RankInfinite))

	denied := addCandidate(s, 4, 256, 128)
	denied.Rpl.DenyTimer.StartRel(time.Minute)
	assert.Equal(t, "denied", m.CheckCandidate(s, denied, state.RankInfinite))

	deep := addCandidate(s, 5, 1024, 128)
	assert.Equal(t, "rank", m.CheckCandidate(s, deep, 512))

	good := addCandidate(s, 6, 256, 128)
	assert.Empty(t, m.CheckCandidate(s, good, state.RankInfinite))
}

// The rank-limit check must judge a candidate by the rank this node
// would advertise through it, which the MinHopRankIncrease rounding
// clause can push well past the bare path rank.
func TestCheckCandidateRankLimitOverrideMode(t *testing.T) {
	s, _ := testCoreState(t)
	m := testMrhof()

	n := addCandidate(s, 1, 256, 10)
	n.Rpl.Config.MinHopRankInc = 256

	// Path rank is 266, but advertising through n means rank 512.
	assert.Equal(t, "rank", m.CheckCandidate(s, n, 400))
	assert.Empty(t, m.CheckCandidate(s, n, 512))
}

func TestRslHysteresis(t *testing.T) {
	s, _ := testCoreState(t)
	m := testMrhof()

	// Threshold sits at DeviceMinSensDbm + 10, hysteresis +/- 3.
	n := addCandidate(s, 1, 256, 128)
	n.RslInDbm = -80
	n.RslOutDbm = -80
	assert.True(t, m.rslValid(n))

	// Inside the dead band the previous verdict holds.
	n.RslInDbm = -83
	n.RslOutDbm = -83
	assert.True(t, m.rslValid(n))

	n.RslInDbm = -90
	n.RslOutDbm = -90
	assert.False(t, m.rslValid(n))

	n.RslInDbm = -83
	n.RslOutDbm = -83
	assert.False(t, m.rslValid(n))
}

func TestRank(t *testing.T) {
	s, _ := testCoreState(t)
	m := testMrhof()

	assert.Equal(t, state.RankInfinite, m.Rank(s))

	parent := addCandidate(s, 1, 256, 128)
	require.Same(t, parent, m.SelectParent(s))
	assert.Equal(t, uint16(384), m.Rank(s))
}

func TestRankLimit(t *testing.T) {
	m := testMrhof()
	conf := state.DodagConfig{MinHopRankInc: 128, MaxRankInc: 256}

	// Until a rank has been advertised there is nothing to bound.
	assert.Equal(t, state.RankInfinite, m.RankLimit(conf))

	m.LowestAdvertisedRank = 384
	assert.Equal(t, uint16(767), m.RankLimit(conf))
}

func TestHasCandidates(t *testing.T) {
	s, _ := testCoreState(t)
	m := testMrhof()

	assert.False(t, m.HasCandidates(s))

	// Deep but otherwise healthy: still a reason to stay in the PAN.
	addCandidate(s, 1, 2048, 128)
	assert.True(t, m.HasCandidates(s))
}
