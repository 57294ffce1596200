package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftnet/weft/state"
	"github.com/weftnet/weft/storage"
)

type fakeHandshake struct {
	eap      [][]byte
	key      [][]byte
	requests int
	resets   int
}

func (h *fakeHandshake) RecvEap(s *state.State, sp *Supp, buf []byte) error {
	h.eap = append(h.eap, append([]byte(nil), buf...))
	return nil
}

func (h *fakeHandshake) RecvKey(s *state.State, sp *Supp, buf []byte) error {
	h.key = append(h.key, append([]byte(nil), buf...))
	return nil
}

func (h *fakeHandshake) SendKeyRequest(s *state.State, sp *Supp) error {
	h.requests++
	return nil
}

func (h *fakeHandshake) Reset(sp *Supp) { h.resets++ }

func testSupp(t *testing.T, prefix string) (*Supp, *state.State, chan func(*state.State) error, *fakeHandshake) {
	t.Helper()
	env, s, ch := testEnv(t, prefix)
	sp := NewSupp(env, storage.NewStore(env))
	sp.EUI64 = testEui64
	sp.Running = true
	sp.Transport = &fakeTransport{}
	sp.GetTarget = func() state.EUI64 { return testSupp1 }
	hs := &fakeHandshake{}
	sp.Handshake = hs
	return sp, s, ch, hs
}

func recordGtkChanges(sp *Supp) *[]keyEvent {
	events := &[]keyEvent{}
	sp.OnGtkChange = func(s *state.State, key []byte, fc uint32, index int) error {
		e := keyEvent{fc: fc, index: index}
		if key != nil {
			e.key = append([]byte(nil), key...)
		}
		*events = append(*events, e)
		return nil
	}
	return events
}

func TestSuppInstallGtk(t *testing.T) {
	sp, s, _, _ := testSupp(t, t.TempDir())
	events := recordGtkChanges(sp)

	key := [16]byte{1, 2, 3}
	require.NoError(t, sp.InstallGtk(s, 1, key, time.Hour))

	require.True(t, sp.Gtks[0].Installed())
	assert.Equal(t, uint8(0b0001), sp.Gtkl())
	assert.Zero(t, sp.Lgtkl())
	require.Len(t, *events, 1)
	assert.Equal(t, keyEvent{key: key[:], index: 1}, (*events)[0])

	require.NoError(t, sp.InstallGtk(s, 2, [16]byte{4}, time.Hour))
	assert.Equal(t, uint8(0b0011), sp.Gtkl())

	// LFN keys land past the FFN slots and have their own bitfield.
	require.NoError(t, sp.InstallGtk(s, state.GtkCount+1, [16]byte{5}, time.Hour))
	assert.Equal(t, uint8(0b0001), sp.Lgtkl())
	assert.Equal(t, uint8(0b0011), sp.Gtkl())
}

func TestSuppInstallGtkRefresh(t *testing.T) {
	sp, s, _, _ := testSupp(t, t.TempDir())
	events := recordGtkChanges(sp)

	key := [16]byte{1}
	require.NoError(t, sp.InstallGtk(s, 1, key, time.Hour))
	sp.UpdateFrameCounter(1, 55)
	deadline := sp.Gtks[0].ExpirationTimer.Deadline()

	// Same key again: only the lifetime moves.
	require.NoError(t, sp.InstallGtk(s, 1, key, 2*time.Hour))
	assert.Equal(t, uint32(55), sp.Gtks[0].FrameCounter)
	assert.True(t, sp.Gtks[0].ExpirationTimer.Deadline().After(deadline))
	require.Len(t, *events, 1)

	// A different key is a real change.
	require.NoError(t, sp.InstallGtk(s, 1, [16]byte{2}, time.Hour))
	assert.Zero(t, sp.Gtks[0].FrameCounter)
	require.Len(t, *events, 2)
	assert.Equal(t, []byte{2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, (*events)[1].key)
}

func TestSuppInstallGtkInfiniteLifetime(t *testing.T) {
	sp, s, _, _ := testSupp(t, t.TempDir())

	require.NoError(t, sp.InstallGtk(s, 1, [16]byte{1}, 0))
	assert.True(t, sp.Gtks[0].Installed())
	assert.Greater(t, sp.Gtks[0].ExpirationTimer.Remaining(), 100*365*24*time.Hour)
}

func TestSuppInstallStopsSoliciting(t *testing.T) {
	sp, s, ch, hs := testSupp(t, t.TempDir())

	sp.StartKeyRequest(s)
	assert.False(t, sp.failTimer.Stopped())
	pump(t, s, ch, 30*time.Millisecond)
	assert.Equal(t, 1, hs.requests)

	require.NoError(t, sp.InstallGtk(s, 1, [16]byte{1}, time.Hour))
	assert.True(t, sp.failTimer.Stopped())
	assert.True(t, sp.KeyRequestTxAlg.Stopped())
}

func TestSuppFailureTimeout(t *testing.T) {
	old := state.SupplicantTimeout
	state.SupplicantTimeout = 40 * time.Millisecond
	t.Cleanup(func() { state.SupplicantTimeout = old })

	sp, s, ch, hs := testSupp(t, t.TempDir())
	failures := 0
	sp.OnFailure = func(s *state.State) error {
		failures++
		return nil
	}

	sp.StartKeyRequest(s)
	pump(t, s, ch, 150*time.Millisecond)

	// One transmission went out, then the authenticator stayed silent.
	assert.Equal(t, 1, hs.requests)
	assert.Equal(t, 1, failures)
	assert.True(t, sp.failTimer.Stopped())
	assert.True(t, sp.KeyRequestTxAlg.Stopped())
}

func TestSuppKeyRequestExhaustion(t *testing.T) {
	oldIrt, oldMrc := state.KeyRequestIrt, state.KeyRequestMrc
	state.KeyRequestIrt = 10 * time.Millisecond
	state.KeyRequestMrc = 3
	t.Cleanup(func() {
		state.KeyRequestIrt = oldIrt
		state.KeyRequestMrc = oldMrc
	})

	sp, s, ch, hs := testSupp(t, t.TempDir())
	failures := 0
	sp.OnFailure = func(s *state.State) error {
		failures++
		return nil
	}

	sp.KeyRequestTxAlg.Start()
	pump(t, s, ch, 200*time.Millisecond)

	assert.Equal(t, 3, hs.requests)
	assert.Equal(t, 1, failures)
	assert.True(t, sp.KeyRequestTxAlg.Stopped())
}

func TestSuppRecvEapolNotRunning(t *testing.T) {
	sp, s, _, hs := testSupp(t, t.TempDir())
	sp.Running = false

	require.NoError(t, sp.RecvEapol(s, Kmp8021x, NewEapol(EapolTypeEap, []byte{1})))
	assert.Empty(t, hs.eap)
}

func TestSuppRecvEapolDispatch(t *testing.T) {
	sp, s, _, hs := testSupp(t, t.TempDir())

	// Invalid frames never reach the handshake.
	require.NoError(t, sp.RecvEapol(s, Kmp8021x, []byte{3}))
	require.NoError(t, sp.RecvEapol(s, Kmp8021x, []byte{2, EapolTypeEap, 0, 0}))
	require.NoError(t, sp.RecvEapol(s, Kmp4wh, NewEapol(EapolTypeEap, nil)))
	assert.Empty(t, hs.eap)

	require.NoError(t, sp.RecvEapol(s, Kmp8021x, NewEapol(EapolTypeEap, []byte{1, 2})))
	require.Len(t, hs.eap, 1)
	assert.Equal(t, []byte{1, 2}, hs.eap[0])

	require.NoError(t, sp.RecvEapol(s, Kmp4wh, NewEapol(EapolTypeKey, []byte{3})))
	require.Len(t, hs.key, 1)
}

func TestSuppRecvEapolRefreshesTimeout(t *testing.T) {
	sp, s, _, _ := testSupp(t, t.TempDir())

	sp.StartKeyRequest(s)
	deadline := sp.failTimer.Deadline()
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, sp.RecvEapol(s, Kmp8021x, NewEapol(EapolTypeEap, nil)))
	assert.True(t, sp.KeyRequestTxAlg.Stopped())
	assert.True(t, sp.failTimer.Deadline().After(deadline))

	// Without an exchange under way, a frame must not arm the timeout.
	sp.failTimer.Stop()
	require.NoError(t, sp.RecvEapol(s, Kmp8021x, NewEapol(EapolTypeEap, nil)))
	assert.True(t, sp.failTimer.Stopped())
}

func TestSuppReset(t *testing.T) {
	sp, s, _, hs := testSupp(t, t.TempDir())
	require.NoError(t, sp.InstallGtk(s, 1, [16]byte{1}, time.Hour))
	require.NoError(t, sp.InstallGtk(s, 2, [16]byte{2}, time.Hour))
	sp.Pmk.Key = [32]byte{1}
	sp.Pmk.InstalledAt = sp.env.Now()
	sp.Ptk.Key = [48]byte{2}
	sp.Ptk.InstalledAt = sp.env.Now()
	events := recordGtkChanges(sp)

	sp.Reset(s)

	assert.False(t, sp.Pmk.Installed())
	assert.False(t, sp.Ptk.Installed())
	assert.Zero(t, sp.Gtkl())
	assert.Equal(t, 1, hs.resets)
	require.Len(t, *events, 2)
	assert.Equal(t, keyEvent{index: 1}, (*events)[0])
	assert.Equal(t, keyEvent{index: 2}, (*events)[1])
}

func TestSuppCheckGtkhash(t *testing.T) {
	sp, s, _, _ := testSupp(t, t.TempDir())
	key := [16]byte{1}
	require.NoError(t, sp.InstallGtk(s, 1, key, time.Hour))

	// All hashes match or are unreported: nothing to do.
	var hashes [state.GtkCount][8]byte
	hashes[0] = GtkHash(key)
	sp.CheckGtkhash(s, hashes)
	assert.True(t, sp.KeyRequestTxAlg.Stopped())

	// An advertised key we do not hold triggers a key request.
	hashes[1] = [8]byte{0xff}
	sp.CheckGtkhash(s, hashes)
	assert.False(t, sp.KeyRequestTxAlg.Stopped())
	assert.False(t, sp.failTimer.Stopped())
	assert.False(t, sp.mismatchTimer.Stopped())

	// Mismatches inside the rate limit window are ignored.
	sp.KeyRequestTxAlg.Stop()
	sp.failTimer.Stop()
	sp.CheckGtkhash(s, hashes)
	assert.True(t, sp.KeyRequestTxAlg.Stopped())

	sp.mismatchTimer.Stop()
	sp.CheckGtkhash(s, hashes)
	assert.False(t, sp.KeyRequestTxAlg.Stopped())
}

func TestSuppStorageRoundtrip(t *testing.T) {
	dir := t.TempDir()
	sp1, s1, _, _ := testSupp(t, dir)
	sp1.Pmk.Key = [32]byte{0xaa}
	sp1.Pmk.ReplayCounter = 9
	sp1.Pmk.InstalledAt = sp1.env.Now()
	sp1.Ptk.Key = [48]byte{0xbb}
	sp1.Ptk.InstalledAt = sp1.env.Now()
	require.NoError(t, sp1.InstallGtk(s1, 1, [16]byte{1}, time.Hour))
	require.NoError(t, sp1.InstallGtk(s1, state.GtkCount+1, [16]byte{2}, time.Hour))
	sp1.UpdateFrameCounter(1, 123)
	sp1.Stop()

	sp2, s2, _, _ := testSupp(t, dir)
	events := recordGtkChanges(sp2)
	loaded, err := sp2.Load(s2)
	require.NoError(t, err)
	require.True(t, loaded)

	assert.Equal(t, sp1.Pmk.Key, sp2.Pmk.Key)
	// The replay counter is bumped by the authenticator on its side, not
	// here on the node.
	assert.Equal(t, uint64(9), sp2.Pmk.ReplayCounter)
	assert.Equal(t, sp1.Ptk.Key, sp2.Ptk.Key)
	// Installation times restart on reboot.
	assert.WithinDuration(t, sp2.env.Now(), sp2.Pmk.InstalledAt, time.Minute)
	assert.WithinDuration(t, sp2.env.Now(), sp2.Ptk.InstalledAt, time.Minute)

	require.True(t, sp2.Gtks[0].Installed())
	assert.Equal(t, [16]byte{1}, sp2.Gtks[0].Key)
	assert.Equal(t, 123+state.FrameCounterJump, sp2.Gtks[0].FrameCounter)
	require.True(t, sp2.Gtks[state.GtkCount].Installed())
	assert.Equal(t, uint8(0b0001), sp2.Lgtkl())

	require.Len(t, *events, 2)
	assert.Equal(t, 1, (*events)[0].index)
	assert.Equal(t, state.GtkCount+1, (*events)[1].index)
}

func TestSuppStorageEui64Mismatch(t *testing.T) {
	dir := t.TempDir()
	sp1, _, _, _ := testSupp(t, dir)
	require.NoError(t, sp1.Store(true))

	sp2, s2, _, _ := testSupp(t, dir)
	sp2.EUI64 = state.EUI64{9, 9, 9, 9, 9, 9, 9, 9}
	_, err := sp2.Load(s2)
	require.ErrorContains(t, err, "eui64 mismatch")
}

func TestSuppStorageExpiredSlot(t *testing.T) {
	dir := t.TempDir()
	sp1, s1, _, _ := testSupp(t, dir)
	require.NoError(t, sp1.InstallGtk(s1, 1, [16]byte{1}, 20*time.Millisecond))
	sp1.Stop()
	time.Sleep(50 * time.Millisecond)

	sp2, s2, _, _ := testSupp(t, dir)
	events := recordGtkChanges(sp2)
	loaded, err := sp2.Load(s2)
	require.NoError(t, err)
	require.True(t, loaded)

	assert.False(t, sp2.Gtks[0].Installed())
	assert.Empty(t, *events)
}

func TestSuppStorageClear(t *testing.T) {
	dir := t.TempDir()
	sp, s, _, _ := testSupp(t, dir)
	require.NoError(t, sp.Store(true))

	loaded, err := sp.Load(s)
	require.NoError(t, err)
	require.True(t, loaded)

	sp.StorageClear()
	loaded, err = sp.Load(s)
	require.NoError(t, err)
	assert.False(t, loaded)
}
