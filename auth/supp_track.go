package auth

import (
	"crypto/rand"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/weftnet/weft/state"
)

// SuppCtx is the authenticator's view of one supplicant. Contexts are
// created lazily on first contact and dropped again when the node fails
// to complete a handshake, so a flood of bogus frames cannot pin
// memory.
type SuppCtx struct {
	EUI64 state.EUI64

	Pmk    Pmk
	Ptk    Ptk
	Anonce [32]byte

	// Last GTKL/LGTKL liveness bitfields acknowledged by the
	// supplicant, and the slot whose key we sent most recently.
	Gtkl                 uint8
	Lgtkl                uint8
	LastInstalledKeySlot int

	NodeRole uint8

	// Unspecified for one-hop supplicants; otherwise the link-local
	// address of the EAPOL relay fronting the supplicant.
	EapolTarget netip.Addr

	rtTimer  *state.Timer
	rtBuffer []byte
	rtKmp    KmpId
	rtCount  int
}

func suppFileName(eui64 state.EUI64) string {
	var b strings.Builder
	b.WriteString("supp-")
	for i, c := range eui64 {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02x", c)
	}
	return b.String()
}

func (a *Auth) GetSupp(eui64 state.EUI64) *SuppCtx {
	return a.supplicants[eui64]
}

func (a *Auth) FetchSupp(s *state.State, eui64 state.EUI64) *SuppCtx {
	if supp := a.supplicants[eui64]; supp != nil {
		return supp
	}
	supp := &SuppCtx{
		EUI64:                eui64,
		LastInstalledKeySlot: -1,
		rtKmp:                KmpNone,
	}
	supp.rtTimer = state.NewTimer(a.env, &a.timers, func(s *state.State) error {
		return a.rtTimeout(s, supp)
	})
	rand.Read(supp.Anonce[:])
	a.supplicants[eui64] = supp
	s.Log.Debug("sec: supp add", "eui64", eui64)
	return supp
}

/*
 *     IEEE 802.11-2020, 12.7.6.6 4-way handshake implementation considerations
 * If the Authenticator does not receive a reply to its messages, it shall
 * attempt dot11RSNAConfigPairwiseUpdateCount transmits of the message, plus
 * a final timeout.
 *     RFC 3748 4.1. Request and Response
 * The authenticator is responsible for retransmitting Request messages.
 */
func (a *Auth) RtStart(supp *SuppCtx, kmp KmpId, buf []byte) {
	a.RtStop(supp)
	supp.rtBuffer = slices.Clone(buf)
	supp.rtKmp = kmp
	supp.rtCount = 0
	supp.rtTimer.StartPeriodic(state.SupplicantTimeout)
}

func (a *Auth) RtStop(supp *SuppCtx) {
	supp.rtTimer.Stop()
	supp.rtBuffer = nil
	supp.rtKmp = KmpNone
	supp.rtCount = 0
}

func (a *Auth) rtTimeout(s *state.State, supp *SuppCtx) error {
	if supp.rtKmp == KmpNone {
		panic("auth: retry timer without frame")
	}
	supp.rtCount++

	/*
	 *     IEEE 802.11-2020 C.3 MIB detail
	 * dot11RSNAConfigPairwiseUpdateCount [...] DEFVAL { 3 }
	 *     RFC 3748 4.3. Retransmission Behavior
	 * A maximum of 3-5 retransmissions is suggested.
	 */
	if supp.rtCount == state.EapolRetryMax {
		s.Log.Debug("sec: eapol max retry count exceeded", "eui64", supp.EUI64)
		a.RtStop(supp)
		if !a.PmkValid(supp) {
			a.removeSupp(s, supp)
		}
		return nil
	}
	s.Log.Debug("sec: eapol frame retry", "eui64", supp.EUI64)

	// Replay counter and MIC must change on every transmission.
	if supp.rtKmp == Kmp4wh || supp.rtKmp == KmpGkh {
		a.Handler.RefreshRetry(supp)
	}
	return a.SendEapol(s, supp, supp.rtKmp, supp.rtBuffer)
}

func (a *Auth) removeSupp(s *state.State, supp *SuppCtx) {
	a.RtStop(supp)
	a.timers.Remove(supp.rtTimer)
	if a.Handler != nil {
		a.Handler.DropSupp(supp)
	}
	a.store.Delete(suppFileName(supp.EUI64))
	delete(a.supplicants, supp.EUI64)
	s.Log.Debug("sec: supp remove", "eui64", supp.EUI64)
}

// Gc sweeps supplicants whose PMK has lapsed and that have no exchange
// in flight. They re-create themselves on the next frame.
func (a *Auth) Gc(s *state.State) {
	for _, supp := range a.supplicants {
		if supp.rtTimer.Stopped() && !a.PmkValid(supp) {
			a.removeSupp(s, supp)
		}
	}
}

// RevokePmk forgets a supplicant entirely, forcing a full EAP-TLS
// exchange on its next join attempt.
func (a *Auth) RevokePmk(s *state.State, eui64 state.EUI64) error {
	supp := a.GetSupp(eui64)
	if supp == nil {
		return fmt.Errorf("unknown supplicant %s", eui64)
	}
	a.removeSupp(s, supp)
	return nil
}

func (a *Auth) PmkValid(supp *SuppCtx) bool {
	return supp.Pmk.Valid(a.env.Now(), a.env.Cfg.PmkLifetime())
}

// SuppTk returns the negotiated temporal key for a supplicant, for the
// MAC to decrypt its secured frames.
func (a *Auth) SuppTk(eui64 state.EUI64) ([]byte, bool) {
	supp := a.GetSupp(eui64)
	if supp == nil || !supp.Ptk.Installed() {
		return nil, false
	}
	return supp.Ptk.Tk(), true
}

func (a *Auth) SendEapol(s *state.State, supp *SuppCtx, kmp KmpId, buf []byte) error {
	hdr, _, err := ParseEapol(buf)
	if err != nil {
		panic("auth: malformed eapol tx frame")
	}
	s.Log.Debug("sec: tx-eapol", "type", eapolTypeStr(hdr.PacketType),
		"length", hdr.BodyLength, "eui64", supp.EUI64)
	return a.Transport.SendEapol(s, kmp, supp.EUI64, buf)
}

// RecvEapol handles one EAPOL frame from a supplicant.
func (a *Auth) RecvEapol(s *state.State, kmp KmpId, eui64 state.EUI64, buf []byte) error {
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
	s.Log.Debug("sec: rx-eapol", "type", eapolTypeStr(hdr.PacketType),
		"length", hdr.BodyLength, "eui64", eui64)

	supp := a.FetchSupp(s, eui64)

	/*
	 * Since we are the initiator of all messages following a Key-Request,
	 * we can easily determine the expected KMP ID. Note a Key-Request
	 * will always be accepted.
	 */
	if supp.rtKmp == kmp || (kmp == Kmp8021x && hdr.PacketType == EapolTypeKey) {
		switch hdr.PacketType {
		case EapolTypeEap:
			err = a.Handler.RecvEap(s, supp, body)
		case EapolTypeKey:
			err = a.Handler.RecvKey(s, supp, body)
		default:
			s.Log.Debug("drop eapol: unsupported eapol packet type", "type", hdr.PacketType)
		}
	} else {
		s.Log.Debug("drop eapol: invalid KMP ID", "expected", supp.rtKmp, "actual", kmp)
	}
	if err != nil {
		return err
	}

	// A supplicant with no retry in flight and no PMK either sent
	// garbage or failed the handshake. Dropping it bounds how much
	// state an attacker can allocate.
	if supp.rtTimer.Stopped() && !a.PmkValid(supp) {
		a.removeSupp(s, supp)
	}
	return nil
}

// StoreSupplicant persists a supplicant's negotiated keys. The protocol
// handlers call it after every state change worth keeping.
func (a *Auth) StoreSupplicant(supp *SuppCtx, force bool) {
	w := a.store.NewWriter(suppFileName(supp.EUI64))
	if supp.Pmk.Installed() {
		w.SetBytes("pmk", supp.Pmk.Key[:])
		w.Set("pmk.installation_timestamp_s", supp.Pmk.InstalledAt.Unix())
		w.Set("pmk.replay_counter", supp.Pmk.ReplayCounter)
		w.Blank()
	}
	if supp.Ptk.Installed() {
		w.SetBytes("ptk", supp.Ptk.Key[:])
		w.Set("ptk.installation_timestamp_s", supp.Ptk.InstalledAt.Unix())
		w.Blank()
	}
	w.Set("gtkl", supp.Gtkl)
	w.Set("lgtkl", supp.Lgtkl)
	w.Set("node_role", supp.NodeRole)
	if err := w.Commit(force); err != nil {
		a.env.Log.Warn("sec: store supplicant", "eui64", supp.EUI64, "err", err)
	}
}

func (a *Auth) loadSupplicant(s *state.State, name string) {
	_, hexpart, found := strings.Cut(name, "-")
	if !found {
		s.Log.Warn("storage: invalid filename", "file", name)
		return
	}
	var eui64 state.EUI64
	if _, err := fmt.Sscanf(hexpart, "%02x:%02x:%02x:%02x:%02x:%02x:%02x:%02x",
		&eui64[0], &eui64[1], &eui64[2], &eui64[3],
		&eui64[4], &eui64[5], &eui64[6], &eui64[7]); err != nil {
		s.Log.Warn("storage: invalid eui64 in filename", "file", name)
		return
	}
	entries, err := a.store.Load(name)
	if err != nil {
		s.Log.Warn("storage: unable to open file", "file", name, "err", err)
		return
	}

	supp := a.FetchSupp(s, eui64)
	for _, e := range entries {
		switch e.Pattern {
		case "pmk":
			b, err := e.Bytes(32)
			if err != nil {
				s.Log.Warn("storage: invalid pmk", "file", name, "err", err)
				continue
			}
			supp.Pmk.Key = [32]byte(b)
		case "pmk.installation_timestamp_s":
			v, err := e.Uint(63)
			if err != nil {
				s.Log.Warn("storage: invalid value", "file", name, "key", e.Pattern, "err", err)
				continue
			}
			supp.Pmk.InstalledAt = time.Unix(int64(v), 0)
		case "pmk.replay_counter":
			v, err := e.Uint(64)
			if err != nil {
				s.Log.Warn("storage: invalid value", "file", name, "key", e.Pattern, "err", err)
				continue
			}
			// Stay ahead of counters used after the last sync.
			supp.Pmk.ReplayCounter = v + state.ReplayCounterJump
		case "ptk":
			b, err := e.Bytes(48)
			if err != nil {
				s.Log.Warn("storage: invalid ptk", "file", name, "err", err)
				continue
			}
			supp.Ptk.Key = [48]byte(b)
		case "ptk.installation_timestamp_s":
			v, err := e.Uint(63)
			if err != nil {
				s.Log.Warn("storage: invalid value", "file", name, "key", e.Pattern, "err", err)
				continue
			}
			supp.Ptk.InstalledAt = time.Unix(int64(v), 0)
		case "gtkl":
			v, err := e.Uint(8)
			if err != nil {
				s.Log.Warn("storage: invalid value", "file", name, "key", e.Pattern, "err", err)
				continue
			}
			supp.Gtkl = uint8(v)
		case "lgtkl":
			v, err := e.Uint(8)
			if err != nil {
				s.Log.Warn("storage: invalid value", "file", name, "key", e.Pattern, "err", err)
				continue
			}
			supp.Lgtkl = uint8(v)
		case "node_role":
			v, err := e.Uint(8)
			if err != nil {
				s.Log.Warn("storage: invalid value", "file", name, "key", e.Pattern, "err", err)
				continue
			}
			supp.NodeRole = uint8(v)
		default:
			s.Log.Warn("storage: invalid key", "file", name, "key", e.Pattern)
		}
	}
	if !a.PmkValid(supp) {
		a.RevokePmk(s, eui64)
	}
}

func (a *Auth) loadSupplicants(s *state.State) {
	for _, name := range a.store.List("supp-*") {
		a.loadSupplicant(s, name)
	}
}
