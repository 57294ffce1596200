package auth

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftnet/weft/state"
)

func TestSuppFileName(t *testing.T) {
	assert.Equal(t, "supp-aa:01:01:01:01:01:01:01", suppFileName(testSupp1))
}

func TestSuppFetch(t *testing.T) {
	a, s, _, _ := testAuth(t, t.TempDir())

	assert.Nil(t, a.GetSupp(testSupp1))
	supp := a.FetchSupp(s, testSupp1)
	require.NotNil(t, supp)
	assert.Same(t, supp, a.FetchSupp(s, testSupp1))
	assert.Same(t, supp, a.GetSupp(testSupp1))

	assert.Equal(t, testSupp1, supp.EUI64)
	assert.Equal(t, -1, supp.LastInstalledKeySlot)
	assert.NotEqual(t, [32]byte{}, supp.Anonce)
}

func TestSuppRecvEapolDrops(t *testing.T) {
	a, s, _, _ := testAuth(t, t.TempDir())
	h := a.Handler.(*fakeHandler)

	// Truncated header.
	require.NoError(t, a.RecvEapol(s, Kmp8021x, testSupp1, []byte{3, 0}))
	// Wrong protocol version.
	require.NoError(t, a.RecvEapol(s, Kmp8021x, testSupp1, []byte{2, EapolTypeKey, 0, 0}))
	// Handshake KMPs only ever carry EAPOL-Key.
	require.NoError(t, a.RecvEapol(s, Kmp4wh, testSupp1, NewEapol(EapolTypeEap, nil)))
	require.NoError(t, a.RecvEapol(s, KmpGkh, testSupp1, NewEapol(EapolTypeEap, nil)))

	// None of these may allocate supplicant state.
	assert.Nil(t, a.GetSupp(testSupp1))
	assert.Empty(t, h.eap)
	assert.Empty(t, h.key)
}

func TestSuppRecvEapolKeyRequest(t *testing.T) {
	a, s, _, _ := testAuth(t, t.TempDir())
	h := a.Handler.(*fakeHandler)
	h.onKey = func(s *state.State, supp *SuppCtx) error {
		supp.Pmk.Key = [32]byte{1}
		supp.Pmk.InstalledAt = a.env.Now()
		return nil
	}

	// A Key-Request is accepted with no exchange in flight, and the
	// handler establishing a PMK keeps the supplicant alive.
	require.NoError(t, a.RecvEapol(s, Kmp8021x, testSupp1, NewEapol(EapolTypeKey, []byte{5, 6})))

	require.Len(t, h.key, 1)
	assert.Equal(t, []byte{5, 6}, h.key[0])
	assert.NotNil(t, a.GetSupp(testSupp1))
	assert.Empty(t, h.dropped)
}

func TestSuppRecvEapolDosBound(t *testing.T) {
	a, s, _, _ := testAuth(t, t.TempDir())
	h := a.Handler.(*fakeHandler)

	// The handler does not produce a PMK, so the context allocated for
	// the frame is released right away.
	require.NoError(t, a.RecvEapol(s, Kmp8021x, testSupp1, NewEapol(EapolTypeKey, nil)))

	require.Len(t, h.key, 1)
	assert.Nil(t, a.GetSupp(testSupp1))
	assert.Equal(t, []state.EUI64{testSupp1}, h.dropped)
}

func TestSuppRecvEapolUnsolicitedEap(t *testing.T) {
	a, s, _, _ := testAuth(t, t.TempDir())
	h := a.Handler.(*fakeHandler)

	// Only the authenticator initiates EAP, so a response with no
	// exchange in flight is noise.
	require.NoError(t, a.RecvEapol(s, Kmp8021x, testSupp1, NewEapol(EapolTypeEap, []byte{1})))

	assert.Empty(t, h.eap)
	assert.Nil(t, a.GetSupp(testSupp1))
}

func TestSuppRecvEapolKmpMismatch(t *testing.T) {
	a, s, _, _ := testAuth(t, t.TempDir())
	h := a.Handler.(*fakeHandler)

	supp := a.FetchSupp(s, testSupp1)
	a.RtStart(supp, Kmp4wh, NewEapol(EapolTypeKey, []byte{1}))

	require.NoError(t, a.RecvEapol(s, KmpGkh, testSupp1, NewEapol(EapolTypeKey, []byte{2})))

	// Not dispatched, but the in-flight exchange keeps the context.
	assert.Empty(t, h.key)
	assert.Same(t, supp, a.GetSupp(testSupp1))
}

func TestSuppRetryExhaustion(t *testing.T) {
	old := state.SupplicantTimeout
	state.SupplicantTimeout = 30 * time.Millisecond
	t.Cleanup(func() { state.SupplicantTimeout = old })

	a, s, ch, _ := testAuth(t, t.TempDir())
	h := a.Handler.(*fakeHandler)
	tr := a.Transport.(*fakeTransport)

	frame := NewEapol(EapolTypeKey, []byte{0xab})
	supp := a.FetchSupp(s, testSupp1)
	a.RtStart(supp, Kmp4wh, frame)

	pump(t, s, ch, 100*time.Millisecond)

	// Two retransmissions, then the final timeout gives up on the
	// unauthenticated supplicant.
	require.Len(t, tr.frames, 2)
	assert.Equal(t, frame, tr.frames[0])
	assert.Equal(t, []KmpId{Kmp4wh, Kmp4wh}, tr.kmps)
	assert.Equal(t, 2, h.refreshed)
	assert.Equal(t, []state.EUI64{testSupp1}, h.dropped)
	assert.Nil(t, a.GetSupp(testSupp1))
}

func TestSuppRetryKeepsAuthenticated(t *testing.T) {
	old := state.SupplicantTimeout
	state.SupplicantTimeout = 30 * time.Millisecond
	t.Cleanup(func() { state.SupplicantTimeout = old })

	a, s, ch, _ := testAuth(t, t.TempDir())
	h := a.Handler.(*fakeHandler)

	supp := a.FetchSupp(s, testSupp1)
	supp.Pmk.Key = [32]byte{1}
	supp.Pmk.InstalledAt = a.env.Now()
	a.RtStart(supp, Kmp8021x, NewEapol(EapolTypeEap, []byte{0x01}))

	pump(t, s, ch, 100*time.Millisecond)

	// EAP retransmissions reuse the frame as-is, and a supplicant
	// holding a valid PMK survives the give-up.
	assert.Zero(t, h.refreshed)
	assert.Empty(t, h.dropped)
	require.Same(t, supp, a.GetSupp(testSupp1))
	assert.True(t, supp.rtTimer.Stopped())
	assert.Equal(t, KmpNone, supp.rtKmp)
}

func TestSuppRetryCanceledByResponse(t *testing.T) {
	a, s, _, _ := testAuth(t, t.TempDir())
	h := a.Handler.(*fakeHandler)
	h.onKey = func(s *state.State, supp *SuppCtx) error {
		a.RtStop(supp)
		supp.Pmk.Key = [32]byte{1}
		supp.Pmk.InstalledAt = a.env.Now()
		return nil
	}

	supp := a.FetchSupp(s, testSupp1)
	a.RtStart(supp, Kmp4wh, NewEapol(EapolTypeKey, []byte{1}))
	require.NoError(t, a.RecvEapol(s, Kmp4wh, testSupp1, NewEapol(EapolTypeKey, []byte{2})))

	require.Len(t, h.key, 1)
	assert.True(t, supp.rtTimer.Stopped())
	assert.Same(t, supp, a.GetSupp(testSupp1))
}

func TestSuppTk(t *testing.T) {
	a, s, _, _ := testAuth(t, t.TempDir())

	_, ok := a.SuppTk(testSupp1)
	assert.False(t, ok)

	supp := a.FetchSupp(s, testSupp1)
	_, ok = a.SuppTk(testSupp1)
	assert.False(t, ok)

	for i := range supp.Ptk.Key {
		supp.Ptk.Key[i] = byte(i)
	}
	supp.Ptk.InstalledAt = a.env.Now()
	tk, ok := a.SuppTk(testSupp1)
	require.True(t, ok)
	assert.Equal(t, supp.Ptk.Key[32:48], tk)
}

func TestSuppRevokePmkUnknown(t *testing.T) {
	a, s, _, _ := testAuth(t, t.TempDir())
	assert.Error(t, a.RevokePmk(s, testSupp1))
}

func TestSuppTrackStorageRoundtrip(t *testing.T) {
	dir := t.TempDir()
	a1, s1, _, _ := testAuth(t, dir)
	require.NoError(t, a1.Start(s1, testEui64, false))

	supp := a1.FetchSupp(s1, testSupp1)
	supp.Pmk.Key = [32]byte{0xaa, 0xbb}
	supp.Pmk.InstalledAt = a1.env.Now()
	supp.Pmk.ReplayCounter = 7
	for i := range supp.Ptk.Key {
		supp.Ptk.Key[i] = byte(i)
	}
	supp.Ptk.InstalledAt = a1.env.Now()
	supp.Gtkl = 0b0011
	supp.NodeRole = NodeRoleFfn
	a1.StoreSupplicant(supp, true)
	a1.Stop()

	a2, s2, _, _ := testAuth(t, dir)
	require.NoError(t, a2.Start(s2, testEui64, false))

	supp2 := a2.GetSupp(testSupp1)
	require.NotNil(t, supp2)
	assert.Equal(t, supp.Pmk.Key, supp2.Pmk.Key)
	// Skip ahead of any counter used since the last sync.
	assert.Equal(t, 7+state.ReplayCounterJump, supp2.Pmk.ReplayCounter)
	assert.WithinDuration(t, supp.Pmk.InstalledAt, supp2.Pmk.InstalledAt, time.Second)
	assert.Equal(t, supp.Ptk.Key, supp2.Ptk.Key)
	assert.Equal(t, uint8(0b0011), supp2.Gtkl)
	assert.Equal(t, uint8(NodeRoleFfn), supp2.NodeRole)
}

func TestSuppStorageExpiredPmk(t *testing.T) {
	dir := t.TempDir()
	a1, s1, _, _ := testAuth(t, dir)
	require.NoError(t, a1.Start(s1, testEui64, false))

	supp := a1.FetchSupp(s1, testSupp1)
	supp.Pmk.Key = [32]byte{1}
	supp.Pmk.InstalledAt = a1.env.Now().Add(-a1.env.Cfg.PmkLifetime() - time.Hour)
	a1.StoreSupplicant(supp, true)
	a1.Stop()

	// A PMK that aged out while the process was down is not worth
	// keeping: the supplicant re-runs EAP-TLS anyway.
	a2, s2, _, _ := testAuth(t, dir)
	require.NoError(t, a2.Start(s2, testEui64, false))
	assert.Nil(t, a2.GetSupp(testSupp1))
	assert.NoFileExists(t, filepath.Join(dir, suppFileName(testSupp1)))
}
