package core

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftnet/weft/rpl"
	"github.com/weftnet/weft/state"
)

type sentRpl struct {
	dst netip.Addr // zero for multicast
	msg rpl.Message
}

type mockRplTransport struct {
	sent []sentRpl
}

func (m *mockRplTransport) Start(rpl.Handler) {}
func (m *mockRplTransport) Close() error      { return nil }

func (m *mockRplTransport) Send(dst netip.Addr, msg rpl.Message) error {
	m.sent = append(m.sent, sentRpl{dst, msg})
	return nil
}

func (m *mockRplTransport) SendMulticast(msg rpl.Message) error {
	m.sent = append(m.sent, sentRpl{msg: msg})
	return nil
}

func testRpl(t *testing.T) (*state.State, *Rpl, *mockRplTransport) {
	s, _ := testCoreState(t)
	tr := &mockRplTransport{}
	registerModule(t, s, &Routes{})
	registerModule(t, s, &Dhcp{})
	r := &Rpl{Transport: tr}
	registerModule(t, s, r)

	// The join FSM is not under test here; it only has to absorb the
	// PAN refreshes recvDio reports for parent traffic.
	j := &Join{}
	j.panTimeoutTimer = state.NewTimer(s.Env, &j.timers, func(*state.State) error { return nil })
	putModule(s, j)

	r.Mrhof.OnPrefParentChange = func(*state.State, *state.Neighbor) error { return nil }
	r.Start(s)
	return s, r, tr
}

var testDodagId = netip.MustParseAddr("fd00:6c6f::1")

func testDio(rank uint16) *rpl.Dio {
	return &rpl.Dio{
		InstanceId: 30,
		Version:    10,
		Rank:       rank,
		Grounded:   true,
		Mop:        rpl.MopNonStoring,
		Dtsn:       240,
		DodagId:    testDodagId,
		Conf: &rpl.DodagConf{
			Pcs:                  1,
			DioIntervalDoublings: 2,
			DioIntervalMin:       15,
			DioRedundancy:        10,
			MaxRankIncrease:      0,
			MinHopRankIncrease:   128,
			Ocp:                  1,
			DefaultLifetime:      120,
			LifetimeUnit:         60,
		},
	}
}

func TestDioJoinsAndSelectsParent(t *testing.T) {
	s, r, _ := testRpl(t)
	var changes []*state.Neighbor
	r.Mrhof.OnPrefParentChange = func(_ *state.State, n *state.Neighbor) error {
		changes = append(changes, n)
		return nil
	}

	n := addCandidate(s, 1, 256, 128)
	require.NoError(t, r.Recv(s, n.LinkLocal, testDio(256)))

	assert.Equal(t, testDodagId, r.DodagId)
	assert.Equal(t, uint8(30), r.InstanceId)
	assert.Equal(t, uint8(10), r.DodagVersion)
	assert.Equal(t, uint16(128), r.Conf.MinHopRankIncrease)
	assert.Equal(t, time.Duration(1<<15)*time.Millisecond, r.dioTklCfg.Imin)

	assert.Equal(t, uint16(256), n.Rpl.Rank)
	assert.Equal(t, uint8(240), n.Rpl.Dtsn)
	assert.True(t, netip.PrefixFrom(testDodagId, 64).Masked().Contains(n.GUA))

	require.Equal(t, []*state.Neighbor{n}, changes)
	assert.True(t, n.Rpl.IsParent)
	assert.Same(t, n, PrefParent(s))
	via, ok := Get[*Routes](s).Lookup(netip.MustParseAddr("fd00:6c6f::99"))
	require.True(t, ok)
	assert.Equal(t, n.LinkLocal, via)
}

func TestDioWithoutConfSolicits(t *testing.T) {
	s, r, tr := testRpl(t)

	n := addCandidate(s, 1, 256, 128)
	dio := testDio(256)
	dio.Conf = nil
	require.NoError(t, r.Recv(s, n.LinkLocal, dio))

	assert.False(t, r.DodagId.IsValid())
	require.Len(t, tr.sent, 1)
	assert.Equal(t, n.LinkLocal, tr.sent[0].dst)
	assert.IsType(t, &rpl.Dis{}, tr.sent[0].msg)
}

func TestDioRejections(t *testing.T) {
	s, r, _ := testRpl(t)
	n := addCandidate(s, 1, 256, 128)
	require.NoError(t, r.Recv(s, n.LinkLocal, testDio(256)))
	require.Same(t, n, PrefParent(s))

	// Storing mode is out of scope.
	storing := testDio(200)
	storing.Mop = 0
	require.NoError(t, r.Recv(s, n.LinkLocal, storing))
	assert.Equal(t, uint16(256), n.Rpl.Rank)

	// A different DODAG does not disturb ours.
	foreign := testDio(200)
	foreign.DodagId = netip.MustParseAddr("fd00:feed::1")
	require.NoError(t, r.Recv(s, n.LinkLocal, foreign))
	assert.Equal(t, testDodagId, r.DodagId)
	assert.Equal(t, uint16(256), n.Rpl.Rank)

	// Neither does a version that is not a plausible successor.
	stale := testDio(200)
	stale.Version = 12
	require.NoError(t, r.Recv(s, n.LinkLocal, stale))
	assert.Equal(t, uint8(10), r.DodagVersion)
	assert.Equal(t, uint16(256), n.Rpl.Rank)

	// Sources off the link cannot be parents.
	require.NoError(t, r.Recv(s, n.GUA, testDio(200)))
	assert.Equal(t, uint16(256), n.Rpl.Rank)

	// When stopped everything is dropped.
	r.Stop(s)
	require.NoError(t, r.Recv(s, n.LinkLocal, testDio(200)))
	assert.False(t, r.DodagId.IsValid())
}

func TestDioNewVersionResetsRankBound(t *testing.T) {
	s, r, _ := testRpl(t)
	n := addCandidate(s, 1, 256, 128)
	require.NoError(t, r.Recv(s, n.LinkLocal, testDio(256)))

	r.Mrhof.LowestAdvertisedRank = 384
	next := testDio(256)
	next.Version = 11
	require.NoError(t, r.Recv(s, n.LinkLocal, next))

	assert.Equal(t, uint8(11), r.DodagVersion)
	assert.Equal(t, state.RankInfinite, r.Mrhof.LowestAdvertisedRank)
}

func TestDioDtsnTriggersDao(t *testing.T) {
	s, r, _ := testRpl(t)
	n := addCandidate(s, 1, 256, 128)
	require.NoError(t, r.Recv(s, n.LinkLocal, testDio(256)))
	require.Same(t, n, PrefParent(s))
	require.True(t, r.DaoTxAlg.Stopped())

	bumped := testDio(256)
	bumped.Dtsn = 241
	require.NoError(t, r.Recv(s, n.LinkLocal, bumped))

	assert.Equal(t, uint8(241), n.Rpl.Dtsn)
	assert.False(t, r.DaoTxAlg.Stopped())
}

func TestDaoAck(t *testing.T) {
	s, r, _ := testRpl(t)
	n := addCandidate(s, 1, 256, 128)
	require.NoError(t, r.Recv(s, n.LinkLocal, testDio(256)))
	r.StartDao(s)
	require.False(t, r.DaoTxAlg.Stopped())

	// A stray sequence number changes nothing.
	stray := &rpl.DaoAck{InstanceId: r.InstanceId, Sequence: r.daoSeq + 1}
	require.NoError(t, r.Recv(s, n.LinkLocal, stray))
	assert.False(t, r.DaoTxAlg.Stopped())
	assert.False(t, n.Rpl.DaoAckReceived)

	ack := &rpl.DaoAck{InstanceId: r.InstanceId, Sequence: r.daoSeq}
	require.NoError(t, r.Recv(s, n.LinkLocal, ack))
	assert.True(t, r.DaoTxAlg.Stopped())
	assert.True(t, n.Rpl.DaoAckReceived)
	assert.False(t, r.DaoRefreshTimer.Stopped())
}

func TestDaoAckRejectedDeniesParent(t *testing.T) {
	s, r, _ := testRpl(t)
	n := addCandidate(s, 1, 256, 128)
	require.NoError(t, r.Recv(s, n.LinkLocal, testDio(256)))
	r.StartDao(s)

	var changes []*state.Neighbor
	r.Mrhof.OnPrefParentChange = func(_ *state.State, n *state.Neighbor) error {
		changes = append(changes, n)
		return nil
	}

	nack := &rpl.DaoAck{InstanceId: r.InstanceId, Sequence: r.daoSeq, Status: 0x80}
	require.NoError(t, r.Recv(s, n.LinkLocal, nack))

	assert.False(t, n.Rpl.DenyTimer.Stopped())
	assert.False(t, n.Rpl.IsParent)
	assert.Nil(t, PrefParent(s))
	require.Equal(t, []*state.Neighbor{nil}, changes)
	_, ok := Get[*Routes](s).Lookup(netip.MustParseAddr("fd00:6c6f::99"))
	assert.False(t, ok)
}

func TestAroConfirm(t *testing.T) {
	s, r, _ := testRpl(t)
	n := addCandidate(s, 1, 256, 128)
	require.NoError(t, r.Recv(s, n.LinkLocal, testDio(256)))
	require.True(t, r.AroTimer.Stopped())

	// Registration confirmed: refresh is scheduled and, with no DAO
	// acked yet, the root registration starts.
	require.NoError(t, r.AroConfirm(s, n, 0))
	assert.False(t, r.AroTimer.Stopped())
	assert.False(t, r.DaoTxAlg.Stopped())

	// A rejected registration bars the parent.
	require.NoError(t, r.AroConfirm(s, n, 2))
	assert.False(t, n.Rpl.DenyTimer.Stopped())
	assert.Nil(t, PrefParent(s))
}

func TestCurrentRank(t *testing.T) {
	s, r, _ := testRpl(t)
	assert.Equal(t, state.RankInfinite, r.CurrentRank(s))

	n := addCandidate(s, 1, 256, 128)
	require.NoError(t, r.Recv(s, n.LinkLocal, testDio(256)))
	assert.Equal(t, uint16(384), r.CurrentRank(s))

	r.Stop(s)
	assert.Equal(t, state.RankInfinite, r.CurrentRank(s))
}

func TestRplStopClearsDodag(t *testing.T) {
	s, r, _ := testRpl(t)
	n := addCandidate(s, 1, 256, 128)
	require.NoError(t, r.Recv(s, n.LinkLocal, testDio(256)))

	r.Stop(s)
	assert.False(t, r.Running)
	assert.False(t, r.DodagId.IsValid())
	assert.False(t, n.Rpl.IsParent)
	_, ok := Get[*Routes](s).Lookup(netip.MustParseAddr("fd00:6c6f::99"))
	assert.False(t, ok)
}
