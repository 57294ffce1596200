package core

import (
	"fmt"

	"github.com/weftnet/weft/auth"
	"github.com/weftnet/weft/state"
	"github.com/weftnet/weft/storage"
)

// kmpRelay tags frames wrapped by the EAPOL relay. It lives outside the
// IEEE 802.15.9 KMP ID space; the wrapped frame carries the real ID.
const kmpRelay auth.KmpId = 0xff

// Security glues the key management in auth/ to the radio. On every
// node it owns the supplicant transport and handshake; with the
// authenticator role enabled it also runs the key authority for the
// whole PAN. Operational routers additionally relay EAPOL between
// their children and the authenticator.
type Security struct {
	Radio Radio

	// Handshake implementation handed to the supplicant in Join.
	SuppHandshake auth.SuppHandshake

	// Non-nil only with cfg.Authenticator set.
	Auth *auth.Auth

	relayRunning bool
	// Next hop toward each supplicant reached through the relay. An
	// entry mapping to itself is a direct child.
	relays map[state.EUI64]state.EUI64
}

func (sec *Security) Init(s *state.State) error {
	creds, err := auth.LoadCredentials(&s.Cfg)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	sec.SuppHandshake = auth.NewPskSuppHandshake(s.Env, creds)
	sec.relays = make(map[state.EUI64]state.EUI64)

	if s.Cfg.Authenticator {
		a := auth.New(s.Env, storage.NewStore(s.Env))
		a.Transport = sec
		a.Handler = auth.NewPskAuthHandler(s.Env, a, creds)
		a.Observer = &gakInstaller{sec: sec}
		if err := a.Start(s, s.EUI64, false); err != nil {
			return fmt.Errorf("authenticator: %w", err)
		}
		sec.Auth = a
	}
	return nil
}

func (sec *Security) Cleanup(s *state.State) error {
	if sec.Auth != nil {
		sec.Auth.Stop()
	}
	return nil
}

// RelayStart begins forwarding EAPOL for downstream nodes. Runs while
// operational only; anything a non-operational router heard would be
// routed into a black hole anyway.
func (sec *Security) RelayStart(s *state.State) {
	sec.relayRunning = true
}

func (sec *Security) RelayStop(s *state.State) {
	sec.relayRunning = false
	clear(sec.relays)
}

// SendEapol implements auth.EapolTransport for both the supplicant and
// the authenticator. One-hop destinations go out the radio directly;
// supplicants fronted by a relay get the frame wrapped and sent to the
// recorded next hop.
func (sec *Security) SendEapol(s *state.State, kmp auth.KmpId, dst state.EUI64, buf []byte) error {
	if next, ok := sec.relays[dst]; ok && next != dst {
		return sec.Radio.SendEapol(kmpRelay, next, wrapRelay(dst, kmp, buf))
	}
	return sec.Radio.SendEapol(kmp, dst, buf)
}

// RecvEapol demultiplexes an inbound EAPOL frame: supplicant traffic
// from our own target, authenticator traffic from direct or relayed
// supplicants, and relay forwarding for everyone in between.
func (sec *Security) RecvEapol(s *state.State, kmp auth.KmpId, src state.EUI64, buf []byte) error {
	if kmp == kmpRelay {
		return sec.recvRelay(s, src, buf)
	}

	j := Get[*Join](s)
	if j.Supp.Running && (src == j.EapolTarget || j.EapolTarget.IsBroadcast()) {
		return j.Supp.RecvEapol(s, kmp, buf)
	}
	if sec.Auth != nil {
		return sec.Auth.RecvEapol(s, kmp, src, buf)
	}
	if sec.relayRunning {
		// Plain EAPOL from a child starting its exchange through us.
		sec.relays[src] = src
		return sec.Radio.SendEapol(kmpRelay, j.EapolTarget, wrapRelay(src, kmp, buf))
	}
	s.Log.Debug("drop eapol: no role for frame", "src", src, "kmp", kmp)
	return nil
}

func (sec *Security) recvRelay(s *state.State, src state.EUI64, buf []byte) error {
	origin, kmp, inner, err := unwrapRelay(buf)
	if err != nil {
		s.Log.Debug("drop eapol relay: malformed", "src", src, "error", err)
		return nil
	}
	if sec.Auth != nil {
		sec.relays[origin] = src
		return sec.Auth.RecvEapol(s, kmp, origin, inner)
	}
	if !sec.relayRunning {
		s.Log.Debug("drop eapol relay: relay not running", "src", src)
		return nil
	}

	j := Get[*Join](s)
	if src == j.EapolTarget {
		// Downward, from the authenticator side toward origin.
		next, ok := sec.relays[origin]
		if !ok {
			s.Log.Debug("drop eapol relay: unknown supplicant", "eui64", origin)
			return nil
		}
		if next == origin {
			return sec.Radio.SendEapol(kmp, origin, inner)
		}
		return sec.Radio.SendEapol(kmpRelay, next, buf)
	}
	// Upward, remember the hop for the reply path.
	sec.relays[origin] = src
	return sec.Radio.SendEapol(kmpRelay, j.EapolTarget, buf)
}

func wrapRelay(origin state.EUI64, kmp auth.KmpId, buf []byte) []byte {
	out := make([]byte, 0, 9+len(buf))
	out = append(out, origin[:]...)
	out = append(out, byte(kmp))
	return append(out, buf...)
}

func unwrapRelay(buf []byte) (state.EUI64, auth.KmpId, []byte, error) {
	if len(buf) < 9 {
		return state.EUI64{}, 0, nil, fmt.Errorf("short relay frame")
	}
	return state.EUI64(buf[:8]), auth.KmpId(buf[8]), buf[9:], nil
}

// gakInstaller puts the authenticator's own group keys on its radio the
// same way joining nodes install theirs, and bumps the PAN version so
// the configuration trickle redistributes the hashes.
type gakInstaller struct {
	sec *Security
}

func (g *gakInstaller) GtkChange(s *state.State, key []byte, frameCounter uint32, keyIndex int, activate bool) error {
	j := Get[*Join](s)
	if keyIndex > state.GtkCount {
		return nil
	}
	if key == nil {
		return g.sec.Radio.SetKey(keyIndex, nil, 0)
	}
	gak := auth.GenerateGak(s.Cfg.NetworkName, [16]byte(key))
	if err := g.sec.Radio.SetKey(keyIndex, &gak, frameCounter); err != nil {
		return err
	}
	if activate {
		s.Pan.GakIndex = keyIndex
	}
	return j.SetPanVersion(s, s.Pan.PanVersion+1)
}
