package core

import (
	"encoding/binary"
	"net/netip"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftnet/weft/lowpan"
	"github.com/weftnet/weft/state"
)

func registerModule(t *testing.T, s *state.State, m state.Module) {
	t.Helper()
	s.Modules[reflect.TypeOf(m).String()] = m
	require.NoError(t, m.Init(s))
	t.Cleanup(func() {
		assert.NoError(t, m.Cleanup(s))
	})
}

func testDataPlane(t *testing.T) (*state.State, *mockRadio, *Datagrams) {
	t.Helper()
	s, _ := testCoreState(t)
	radio := newMockRadio(s.EUI64)
	d := &Datagrams{Radio: radio}
	registerModule(t, s, &Routes{})
	registerModule(t, s, &Dhcp{})
	registerModule(t, s, d)
	return s, radio, d
}

func testIpv6(dst netip.Addr, hops uint8, payloadLen int) []byte {
	buf := make([]byte, 40+payloadLen)
	buf[0] = 0x60
	binary.BigEndian.PutUint16(buf[4:6], uint16(payloadLen))
	buf[6] = 17
	buf[7] = hops
	copy(buf[8:24], netip.MustParseAddr("fd12::1").AsSlice())
	copy(buf[24:40], dst.AsSlice())
	for i := range payloadLen {
		buf[40+i] = byte(i)
	}
	return buf
}

func TestDatagramLocalDelivery(t *testing.T) {
	s, radio, d := testDataPlane(t)
	var delivered [][]byte
	d.Deliver = func(s *state.State, buf []byte) error {
		delivered = append(delivered, buf)
		return nil
	}

	src := state.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	dgram := testIpv6(s.EUI64.LinkLocal(), 64, 32)
	require.NoError(t, d.RecvFrame(s, src, s.EUI64, dgram))
	require.Len(t, delivered, 1)
	assert.Equal(t, dgram, delivered[0])
	assert.Empty(t, radio.data)

	// Subscribed multicast groups count as local too.
	mc := testIpv6(netip.MustParseAddr("ff03::fc"), 64, 8)
	require.NoError(t, d.RecvFrame(s, src, state.BroadcastEUI64, mc))
	assert.Len(t, delivered, 2)
}

func TestDatagramForward(t *testing.T) {
	s, radio, d := testDataPlane(t)

	child := s.AddNeighbor(state.EUI64{0xcc, 0, 0, 0, 0, 0, 0, 9})
	childGua := netip.MustParseAddr("fd00::cc09")
	Get[*Routes](s).AddHostRoute(s, childGua, child.LinkLocal)

	src := state.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, d.RecvFrame(s, src, s.EUI64, testIpv6(childGua, 64, 32)))
	require.Len(t, radio.data, 1)
	assert.Equal(t, child.EUI64, radio.data[0].dst)
	// Forwarding decrements the hop limit.
	assert.Equal(t, uint8(63), radio.data[0].frame[7])
}

func TestDatagramForwardReassembles(t *testing.T) {
	s, radio, d := testDataPlane(t)

	child := s.AddNeighbor(state.EUI64{0xcc, 0, 0, 0, 0, 0, 0, 9})
	childGua := netip.MustParseAddr("fd00::cc09")
	Get[*Routes](s).AddHostRoute(s, childGua, child.LinkLocal)

	src := state.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	dgram := testIpv6(childGua, 64, 1400)
	frags, err := lowpan.Fragment(dgram, 77, 512)
	require.NoError(t, err)
	require.Greater(t, len(frags), 2)

	for _, frag := range frags {
		require.NoError(t, d.RecvFrame(s, src, s.EUI64, frag))
	}
	// The whole datagram went back out, refragmented to the link MTU.
	require.Greater(t, len(radio.data), 1)
	for _, f := range radio.data {
		assert.Equal(t, child.EUI64, f.dst)
		assert.LessOrEqual(t, len(f.frame), 1024)
	}
}

func TestDatagramDrops(t *testing.T) {
	s, radio, d := testDataPlane(t)
	src := state.EUI64{1, 2, 3, 4, 5, 6, 7, 8}

	// No route.
	require.NoError(t, d.RecvFrame(s, src, s.EUI64, testIpv6(netip.MustParseAddr("fd00::dead"), 64, 8)))

	// Hop limit spent.
	child := s.AddNeighbor(state.EUI64{0xcc, 0, 0, 0, 0, 0, 0, 9})
	childGua := netip.MustParseAddr("fd00::cc09")
	Get[*Routes](s).AddHostRoute(s, childGua, child.LinkLocal)
	require.NoError(t, d.RecvFrame(s, src, s.EUI64, testIpv6(childGua, 1, 8)))

	// Next hop without a neighbor cache entry.
	orphanGua := netip.MustParseAddr("fd00::aaaa")
	Get[*Routes](s).AddHostRoute(s, orphanGua, netip.MustParseAddr("fe80::1"))
	require.NoError(t, d.RecvFrame(s, src, s.EUI64, testIpv6(orphanGua, 64, 8)))

	// Not IPv6 at all.
	require.NoError(t, d.RecvFrame(s, src, s.EUI64, []byte{0x45, 0, 0, 0}))

	assert.Empty(t, radio.data)
}
