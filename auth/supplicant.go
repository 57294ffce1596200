package auth

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/weftnet/weft/state"
	"github.com/weftnet/weft/storage"
)

// SuppHandshake runs the client side of EAP-TLS and the IEEE 802.11 key
// handshakes. Reset drops any exchange in progress so the supplicant
// can start over against a new PAN.
type SuppHandshake interface {
	RecvEap(s *state.State, sp *Supp, buf []byte) error
	RecvKey(s *state.State, sp *Supp, buf []byte) error
	SendKeyRequest(s *state.State, sp *Supp) error
	Reset(sp *Supp)
}

// Supp is the supplicant side of the node: it requests keys from the
// PAN's authenticator and keeps them fresh against the GTK hashes
// advertised in PAN Configuration frames.
type Supp struct {
	EUI64 state.EUI64

	// EUI-64 of the authenticator, from the PAN Advertisements of the
	// selected PAN. Relayed EAPOL frames carry it.
	AuthEui64 state.EUI64

	// Frames are ignored until the core turns the supplicant on.
	Running bool

	Gtks [state.GtkCount + state.LgtkCount]Gtk
	Pmk  Pmk
	Ptk  Ptk

	KeyRequestTxAlg *state.TxAlg

	OnGtkChange func(s *state.State, key []byte, frameCounter uint32, keyIndex int) error
	OnFailure   func(s *state.State) error
	// EAPOL target: the preferred parent once one is known, otherwise
	// the best PAN Advertisement candidate.
	GetTarget func() state.EUI64
	Transport EapolTransport
	Handshake SuppHandshake

	env       *state.Env
	store     *storage.Store
	timers    state.TimerGroup
	failTimer *state.Timer
	// Rate limits the key requests triggered by GTK hash mismatches.
	mismatchTimer *state.Timer
}

func NewSupp(env *state.Env, store *storage.Store) *Supp {
	sp := &Supp{env: env, store: store}
	for i := range sp.Gtks {
		sp.Gtks[i].ExpirationTimer = state.NewTimer(env, &sp.timers, func(s *state.State) error {
			return sp.expireGtk(s, i)
		})
	}
	sp.KeyRequestTxAlg = state.NewTxAlg(env, "key-request", state.TxAlgCfg{
		Irt: state.KeyRequestIrt,
		Mrt: state.KeyRequestMrt,
		Mrc: state.KeyRequestMrc,
	}, func(s *state.State) error {
		return sp.Handshake.SendKeyRequest(s, sp)
	})
	sp.KeyRequestTxAlg.Fail = sp.fail
	sp.failTimer = state.NewTimer(env, &sp.timers, sp.fail)
	sp.mismatchTimer = state.NewTimer(env, &sp.timers, func(s *state.State) error {
		return nil
	})
	return sp
}

func (sp *Supp) fail(s *state.State) error {
	s.Log.Debug("sec: authentication failure")
	sp.KeyRequestTxAlg.Stop()
	sp.failTimer.Stop()
	if sp.OnFailure != nil {
		return sp.OnFailure(s)
	}
	return nil
}

// Reset clears every negotiated key. MAC keys derived from them are
// released through the usual expiry notifications.
func (sp *Supp) Reset(s *state.State) {
	sp.KeyRequestTxAlg.Stop()
	sp.failTimer.Stop()
	sp.mismatchTimer.Stop()
	sp.Pmk.Clear()
	sp.Ptk.Clear()
	for i := range sp.Gtks {
		if !sp.Gtks[i].Installed() {
			continue
		}
		sp.Gtks[i].Clear()
		if sp.OnGtkChange != nil {
			if err := sp.OnGtkChange(s, nil, 0, i+1); err != nil {
				s.Log.Warn("sec: gtk change", "err", err)
			}
		}
	}
	if sp.Handshake != nil {
		sp.Handshake.Reset(sp)
	}
}

// StartKeyRequest begins soliciting keys from the authenticator. The
// request retransmits on the RFC 8415 schedule until the authenticator
// reacts, and the whole exchange runs under the supplicant timeout.
func (sp *Supp) StartKeyRequest(s *state.State) {
	sp.KeyRequestTxAlg.Start()
	sp.failTimer.StartRel(state.SupplicantTimeout)
}

// Gtkl returns the GTK liveness bitfield sent in the GTKL KDE: bit i
// set when gtk[i] is installed.
func (sp *Supp) Gtkl() uint8 {
	var gtkl uint8
	for i := 0; i < state.GtkCount; i++ {
		if sp.Gtks[i].Installed() {
			gtkl |= 1 << i
		}
	}
	return gtkl
}

func (sp *Supp) Lgtkl() uint8 {
	var lgtkl uint8
	for i := 0; i < state.LgtkCount; i++ {
		if sp.Gtks[state.GtkCount+i].Installed() {
			lgtkl |= 1 << i
		}
	}
	return lgtkl
}

// InstallGtk records a group key delivered in a GTK KDE. Reinstalling
// the key a slot already holds only refreshes its lifetime, so the
// frame counter keeps its value.
func (sp *Supp) InstallGtk(s *state.State, keyIndex int, key [16]byte, lifetime time.Duration) error {
	slot := &sp.Gtks[keyIndex-1]
	fresh := !slot.Installed() || slot.Key != key
	if fresh {
		slot.Key = key
		slot.FrameCounter = 0
	}
	if lifetime > 0 {
		slot.ExpirationTimer.StartRel(lifetime)
	} else {
		slot.ExpirationTimer.StartAbs(timeInfinite)
	}
	s.Log.Debug("sec: installed", "slot", GtkName(keyIndex-1),
		"key", fmt.Sprintf("%x", slot.Key),
		"expiration", slot.ExpirationTimer.Deadline())

	// Keys in hand: the authenticator considers us joined.
	sp.failTimer.Stop()
	sp.KeyRequestTxAlg.Stop()

	if fresh && sp.OnGtkChange != nil {
		if err := sp.OnGtkChange(s, slot.Key[:], slot.FrameCounter, keyIndex); err != nil {
			return err
		}
	}
	return sp.Store(true)
}

func (sp *Supp) expireGtk(s *state.State, slot int) error {
	s.Log.Debug("sec: expired", "slot", GtkName(slot))
	sp.Gtks[slot].Clear()
	if sp.OnGtkChange != nil {
		if err := sp.OnGtkChange(s, nil, 0, slot+1); err != nil {
			return err
		}
	}
	return sp.Store(true)
}

// UpdateFrameCounter records the TX frame counter under a key so a
// restart cannot reuse counter values.
func (sp *Supp) UpdateFrameCounter(keyIndex int, frameCounter uint32) {
	if !sp.Gtks[keyIndex-1].Installed() {
		return
	}
	sp.Gtks[keyIndex-1].FrameCounter = frameCounter
	if err := sp.Store(false); err != nil {
		sp.env.Log.Warn("sec: store keys", "err", err)
	}
}

/*
 *   Wi-SUN FAN 1.1v09 6.3.1.1 Configuration Parameters
 * GTK_MAX_MISMATCH: The maximum amount of time a FFN will wait, upon
 * detecting a GTK hash mismatch, before initiating the messaging to
 * acquire the GTKs it does not possess.
 */
func (sp *Supp) CheckGtkhash(s *state.State, hashes [state.GtkCount][8]byte) {
	mismatch := false
	for i := 0; i < state.GtkCount; i++ {
		if hashes[i] == ([8]byte{}) {
			continue
		}
		if !sp.Gtks[i].Installed() || GtkHash(sp.Gtks[i].Key) != hashes[i] {
			mismatch = true
			break
		}
	}
	if !mismatch || !sp.mismatchTimer.Stopped() {
		return
	}
	s.Log.Debug("sec: gtkhash mismatch")
	sp.mismatchTimer.StartRel(sp.env.Cfg.GtkMaxMismatch())
	sp.StartKeyRequest(s)
}

// RecvEapol handles one EAPOL frame from the authenticator.
func (sp *Supp) RecvEapol(s *state.State, kmp KmpId, buf []byte) error {
	if !sp.Running {
		s.Log.Debug("drop eapol: supplicant not running")
		return nil
	}
	hdr, body, err := ParseEapol(buf)
	if err != nil {
		s.Log.Debug("drop eapol: invalid eapol header")
		return nil
	}
	if hdr.Version != eapolVersion {
		s.Log.Debug("drop eapol: unsupported eapol protocol version", "version", hdr.Version)
		return nil
	}
	if ((kmp == Kmp4wh || kmp == KmpGkh) && hdr.PacketType != EapolTypeKey) ||
		(kmp != Kmp8021x && hdr.PacketType == EapolTypeEap) {
		s.Log.Debug("drop eapol: invalid eapol packet type for KMP",
			"type", eapolTypeStr(hdr.PacketType), "kmp", kmp)
		return nil
	}
	s.Log.Debug("sec: rx-eapol", "type", eapolTypeStr(hdr.PacketType), "length", hdr.BodyLength)

	// The authenticator answered: stop soliciting and give the
	// handshake a fresh timeout.
	sp.KeyRequestTxAlg.Stop()
	if !sp.failTimer.Stopped() {
		sp.failTimer.StartRel(state.SupplicantTimeout)
	}

	switch hdr.PacketType {
	case EapolTypeEap:
		return sp.Handshake.RecvEap(s, sp, body)
	case EapolTypeKey:
		return sp.Handshake.RecvKey(s, sp, body)
	default:
		s.Log.Debug("drop eapol: unsupported eapol packet type", "type", hdr.PacketType)
		return nil
	}
}

func (sp *Supp) SendEapol(s *state.State, kmp KmpId, buf []byte) error {
	hdr, _, err := ParseEapol(buf)
	if err != nil {
		panic("auth: malformed eapol tx frame")
	}
	s.Log.Debug("sec: tx-eapol", "type", eapolTypeStr(hdr.PacketType), "length", hdr.BodyLength)
	return sp.Transport.SendEapol(s, kmp, sp.GetTarget(), buf)
}

// Stop cancels every timer; used on shutdown.
func (sp *Supp) Stop() {
	sp.KeyRequestTxAlg.Stop()
	sp.timers.StopAll()
}

func (sp *Supp) StorageClear() {
	sp.store.Delete("network-keys")
}

// Store persists the negotiated keys. PMK and PTK installation times
// are deliberately not stored: a reboot restarts their lifetimes.
func (sp *Supp) Store(force bool) error {
	w := sp.store.NewWriter("network-keys")
	w.SetBytes("eui64", sp.EUI64[:])
	w.Blank()

	if sp.Pmk.Installed() {
		w.SetBytes("pmk", sp.Pmk.Key[:])
		w.Set("pmk.replay_counter", sp.Pmk.ReplayCounter)
		w.Blank()
	}
	if sp.Ptk.Installed() {
		w.SetBytes("ptk", sp.Ptk.Key[:])
		w.Blank()
	}

	for i := range sp.Gtks {
		if !sp.Gtks[i].Installed() {
			continue
		}
		w.SetBytes(GtkName(i), sp.Gtks[i].Key[:])
		w.Set(GtkName(i)+".expiration_timestamp_ms", timerMs(sp.Gtks[i].ExpirationTimer))
		w.Set(GtkName(i)+".frame_counter", sp.Gtks[i].FrameCounter)
		w.Blank()
	}
	return w.Commit(force)
}

// Load replays the keys of the previous run. Keys that expired while
// the node was down are dropped, live ones re-arm their timers and
// reach the MAC through the usual notifications.
func (sp *Supp) Load(s *state.State) (bool, error) {
	entries, err := sp.store.Load("network-keys")
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var expirations [state.GtkCount + state.LgtkCount]int64
	now := sp.env.Now()

	for _, e := range entries {
		slot := e.Index
		if strings.HasPrefix(e.Pattern, "lgtk") {
			slot += state.GtkCount
		}
		if slot >= len(sp.Gtks) {
			s.Log.Warn("storage: invalid key", "file", "network-keys", "key", e.Pattern)
			continue
		}
		switch e.Pattern {
		case "eui64":
			b, err := e.Bytes(8)
			if err != nil {
				return false, fmt.Errorf("network-keys: invalid eui64: %w", err)
			}
			if state.EUI64(b) != sp.EUI64 {
				return false, fmt.Errorf("eui64 mismatch between current and previous state loaded from storage")
			}
		case "pmk":
			b, err := e.Bytes(32)
			if err != nil {
				return false, fmt.Errorf("network-keys: invalid pmk: %w", err)
			}
			sp.Pmk.Key = [32]byte(b)
			sp.Pmk.InstalledAt = now
		case "pmk.replay_counter":
			v, err := e.Uint(64)
			if err != nil {
				s.Log.Warn("storage: invalid value", "file", "network-keys", "key", e.Pattern, "err", err)
				continue
			}
			sp.Pmk.ReplayCounter = v
		case "ptk":
			b, err := e.Bytes(48)
			if err != nil {
				return false, fmt.Errorf("network-keys: invalid ptk: %w", err)
			}
			sp.Ptk.Key = [48]byte(b)
			sp.Ptk.InstalledAt = now
		case "gtk[*]", "lgtk[*]":
			b, err := e.Bytes(16)
			if err != nil {
				return false, fmt.Errorf("network-keys: invalid key %s: %w", e.Pattern, err)
			}
			sp.Gtks[slot].Key = [16]byte(b)
		case "gtk[*].expiration_timestamp_ms", "lgtk[*].expiration_timestamp_ms":
			v, err := e.Uint(63)
			if err != nil {
				s.Log.Warn("storage: invalid value", "file", "network-keys", "key", e.Pattern, "err", err)
				continue
			}
			expirations[slot] = int64(v)
		case "gtk[*].frame_counter", "lgtk[*].frame_counter":
			v, err := e.Uint(32)
			if err != nil {
				s.Log.Warn("storage: invalid value", "file", "network-keys", "key", e.Pattern, "err", err)
				continue
			}
			// Stay ahead of counters used after the last sync.
			sp.Gtks[slot].FrameCounter = add32sat(uint32(v), state.FrameCounterJump)
		default:
			s.Log.Warn("storage: invalid key", "file", "network-keys", "key", e.Pattern)
		}
	}

	for i := range sp.Gtks {
		if expirations[i] == 0 {
			continue
		}
		expire := time.UnixMilli(expirations[i])
		if !now.Before(expire) {
			s.Log.Warn("sec: expired while down", "slot", GtkName(i))
			sp.Gtks[i].Clear()
			continue
		}
		sp.Gtks[i].ExpirationTimer.StartAbs(expire)
		s.Log.Debug("sec: installed", "slot", GtkName(i),
			"key", fmt.Sprintf("%x", sp.Gtks[i].Key), "expiration", expire)
		if sp.OnGtkChange != nil {
			if err := sp.OnGtkChange(s, sp.Gtks[i].Key[:], sp.Gtks[i].FrameCounter, i+1); err != nil {
				s.Log.Warn("sec: gtk change", "err", err)
			}
		}
	}
	return true, nil
}
