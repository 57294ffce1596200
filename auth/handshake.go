package auth

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/lunixbochs/struc"
	"github.com/weftnet/weft/state"
	"golang.org/x/crypto/hkdf"
)

/*
 * Pre-shared key mode: pairwise keys are derived from the trust
 * anchor's certificate instead of a full EAP-TLS exchange, so only
 * nodes provisioned with the network's authority can read the group
 * keys. An EAP-TLS implementation replaces this behind the same
 * SuppHandshake and EapolHandler interfaces without the rest of the
 * security stack changing.
 */

const (
	msgKeyRequest uint8 = 1
	msgGroupKey   uint8 = 2
	msgGroupAck   uint8 = 3
)

type keyReqBody struct {
	MsgType  uint8 `struc:"uint8"`
	Gtkl     uint8 `struc:"uint8"`
	Lgtkl    uint8 `struc:"uint8"`
	NodeRole uint8 `struc:"uint8"`
}

type groupKeyHdr struct {
	MsgType       uint8  `struc:"uint8"`
	ReplayCounter uint64 `struc:"uint64,big"`
	Anonce        [32]byte
	GcmNonce      [12]byte
	KeyDataLen    uint16 `struc:"uint16,big,sizeof=KeyData"`
	KeyData       []byte
}

type groupAckBody struct {
	MsgType uint8 `struc:"uint8"`
	Gtkl    uint8 `struc:"uint8"`
	Lgtkl   uint8 `struc:"uint8"`
}

// gtkKde carries one group key: 1-based key slot, TX frame counter the
// key is already at, and remaining lifetime (0 means unbounded).
type gtkKde struct {
	KeyIndex     uint8  `struc:"uint8"`
	FrameCounter uint32 `struc:"uint32,big"`
	LifetimeS    uint32 `struc:"uint32,big"`
	Key          [16]byte
}

const gtkKdeLen = 25

func derivePsk(creds *Credentials) [32]byte {
	return sha256.Sum256(creds.Authority.Raw)
}

func derivePmk(psk [32]byte, supp state.EUI64) [32]byte {
	var pmk [32]byte
	r := hkdf.New(sha256.New, psk[:], supp[:], []byte("weft pairwise master key"))
	io.ReadFull(r, pmk[:])
	return pmk
}

// PTK = KCK || KEK || TK, the layout of IEEE 802.11 12.7.1.3.
func derivePtk(pmk [32]byte, anonce [32]byte, auth, supp state.EUI64) [48]byte {
	var ptk [48]byte
	info := append([]byte("weft pairwise transient key"), auth[:]...)
	info = append(info, supp[:]...)
	r := hkdf.New(sha256.New, pmk[:], anonce[:], info)
	io.ReadFull(r, ptk[:])
	return ptk
}

func kek(ptk [48]byte) []byte {
	return ptk[16:32]
}

func sealKeyData(key, nonce, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

func openKeyData(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// PskSuppHandshake is the supplicant side of the pre-shared key mode.
type PskSuppHandshake struct {
	env *state.Env
	psk [32]byte
}

func NewPskSuppHandshake(env *state.Env, creds *Credentials) *PskSuppHandshake {
	return &PskSuppHandshake{env: env, psk: derivePsk(creds)}
}

func (h *PskSuppHandshake) SendKeyRequest(s *state.State, sp *Supp) error {
	var buf bytes.Buffer
	struc.Pack(&buf, &keyReqBody{
		MsgType:  msgKeyRequest,
		Gtkl:     sp.Gtkl(),
		Lgtkl:    sp.Lgtkl(),
		NodeRole: NodeRoleFfn,
	})
	return sp.SendEapol(s, Kmp8021x, NewEapol(EapolTypeKey, buf.Bytes()))
}

func (h *PskSuppHandshake) RecvEap(s *state.State, sp *Supp, buf []byte) error {
	s.Log.Debug("drop eapol: eap not supported in preshared mode")
	return nil
}

func (h *PskSuppHandshake) RecvKey(s *state.State, sp *Supp, buf []byte) error {
	if len(buf) < 1 || buf[0] != msgGroupKey {
		s.Log.Debug("drop eapol-key: unexpected message", "msg", buf)
		return nil
	}
	var hdr groupKeyHdr
	if err := struc.Unpack(bytes.NewReader(buf), &hdr); err != nil {
		s.Log.Debug("drop eapol-key: malformed group key message", "err", err)
		return nil
	}
	if sp.Pmk.Installed() && hdr.ReplayCounter <= sp.Pmk.ReplayCounter {
		s.Log.Debug("drop eapol-key: replayed counter", "counter", hdr.ReplayCounter)
		return nil
	}

	pmk := derivePmk(h.psk, sp.EUI64)
	ptk := derivePtk(pmk, hdr.Anonce, sp.AuthEui64, sp.EUI64)
	plaintext, err := openKeyData(kek(ptk), hdr.GcmNonce[:], hdr.KeyData)
	if err != nil {
		s.Log.Debug("drop eapol-key: authentication failed", "err", err)
		return nil
	}

	now := h.env.Now()
	sp.Pmk.Key = pmk
	sp.Pmk.ReplayCounter = hdr.ReplayCounter
	if !sp.Pmk.Installed() {
		sp.Pmk.InstalledAt = now
	}
	sp.Ptk.Key = ptk
	sp.Ptk.InstalledAt = now

	r := bytes.NewReader(plaintext)
	for r.Len() >= gtkKdeLen {
		var kde gtkKde
		if err := struc.Unpack(r, &kde); err != nil {
			return fmt.Errorf("invalid gtk kde: %w", err)
		}
		if kde.KeyIndex < 1 || int(kde.KeyIndex) > len(sp.Gtks) {
			s.Log.Debug("drop gtk kde: invalid key index", "index", kde.KeyIndex)
			continue
		}
		if err := sp.InstallGtk(s, int(kde.KeyIndex), kde.Key,
			time.Duration(kde.LifetimeS)*time.Second); err != nil {
			return err
		}
		sp.UpdateFrameCounter(int(kde.KeyIndex), kde.FrameCounter)
	}

	var ack bytes.Buffer
	struc.Pack(&ack, &groupAckBody{
		MsgType: msgGroupAck,
		Gtkl:    sp.Gtkl(),
		Lgtkl:   sp.Lgtkl(),
	})
	return sp.SendEapol(s, KmpGkh, NewEapol(EapolTypeKey, ack.Bytes()))
}

func (h *PskSuppHandshake) Reset(sp *Supp) {}

// PskAuthHandler is the authenticator side of the pre-shared key mode.
type PskAuthHandler struct {
	env  *state.Env
	auth *Auth
	psk  [32]byte

	// pending plaintext key data per supplicant, so retries can be
	// re-sealed with a fresh nonce
	pending map[state.EUI64][]byte
}

func NewPskAuthHandler(env *state.Env, a *Auth, creds *Credentials) *PskAuthHandler {
	return &PskAuthHandler{
		env:     env,
		auth:    a,
		psk:     derivePsk(creds),
		pending: make(map[state.EUI64][]byte),
	}
}

func (h *PskAuthHandler) RecvEap(s *state.State, supp *SuppCtx, buf []byte) error {
	s.Log.Debug("drop eapol: eap not supported in preshared mode")
	return nil
}

func (h *PskAuthHandler) RecvKey(s *state.State, supp *SuppCtx, buf []byte) error {
	if len(buf) < 1 {
		return nil
	}
	switch buf[0] {
	case msgKeyRequest:
		var req keyReqBody
		if err := struc.Unpack(bytes.NewReader(buf), &req); err != nil {
			s.Log.Debug("drop eapol-key: malformed key request", "err", err)
			return nil
		}
		supp.Gtkl = req.Gtkl
		supp.Lgtkl = req.Lgtkl
		supp.NodeRole = req.NodeRole
		return h.sendGroupKeys(s, supp)
	case msgGroupAck:
		var ack groupAckBody
		if err := struc.Unpack(bytes.NewReader(buf), &ack); err != nil {
			s.Log.Debug("drop eapol-key: malformed group ack", "err", err)
			return nil
		}
		supp.Gtkl = ack.Gtkl
		supp.Lgtkl = ack.Lgtkl
		supp.LastInstalledKeySlot = h.auth.GtkGroup.SlotActive
		h.auth.RtStop(supp)
		delete(h.pending, supp.EUI64)
		h.auth.StoreSupplicant(supp, false)
		return nil
	default:
		s.Log.Debug("drop eapol-key: unexpected message type", "type", buf[0])
		return nil
	}
}

func (h *PskAuthHandler) sendGroupKeys(s *state.State, supp *SuppCtx) error {
	if !h.auth.PmkValid(supp) {
		supp.Pmk = Pmk{
			Key:         derivePmk(h.psk, supp.EUI64),
			InstalledAt: h.env.Now(),
		}
	}

	var plaintext bytes.Buffer
	for i := range h.auth.Gtks {
		gtk := &h.auth.Gtks[i]
		if !gtk.Installed() {
			continue
		}
		var lifetime uint32
		if d := gtk.ExpirationTimer.Remaining(); d > 0 {
			lifetime = uint32(d.Seconds())
		}
		struc.Pack(&plaintext, &gtkKde{
			KeyIndex:     uint8(i + 1),
			FrameCounter: gtk.FrameCounter,
			LifetimeS:    lifetime,
			Key:          gtk.Key,
		})
	}

	h.pending[supp.EUI64] = plaintext.Bytes()
	frame, err := h.seal(supp)
	if err != nil {
		return err
	}
	h.auth.RtStart(supp, KmpGkh, frame)
	h.auth.StoreSupplicant(supp, false)
	return h.auth.SendEapol(s, supp, KmpGkh, frame)
}

// seal builds the group key frame with a fresh anonce, nonce and replay
// counter. The PTK rolls forward with the anonce on every transmission.
func (h *PskAuthHandler) seal(supp *SuppCtx) ([]byte, error) {
	plaintext, ok := h.pending[supp.EUI64]
	if !ok {
		return nil, fmt.Errorf("no pending key data for %s", supp.EUI64)
	}
	rand.Read(supp.Anonce[:])
	supp.Ptk.Key = derivePtk(supp.Pmk.Key, supp.Anonce, h.auth.EUI64, supp.EUI64)
	supp.Ptk.InstalledAt = h.env.Now()
	supp.Pmk.ReplayCounter++

	hdr := groupKeyHdr{
		MsgType:       msgGroupKey,
		ReplayCounter: supp.Pmk.ReplayCounter,
		Anonce:        supp.Anonce,
	}
	rand.Read(hdr.GcmNonce[:])
	ct, err := sealKeyData(kek(supp.Ptk.Key), hdr.GcmNonce[:], plaintext)
	if err != nil {
		return nil, err
	}
	hdr.KeyData = ct

	var buf bytes.Buffer
	if err := struc.Pack(&buf, &hdr); err != nil {
		return nil, err
	}
	return NewEapol(EapolTypeKey, buf.Bytes()), nil
}

func (h *PskAuthHandler) RefreshRetry(supp *SuppCtx) {
	frame, err := h.seal(supp)
	if err != nil {
		h.env.Log.Warn("sec: eapol retry", "eui64", supp.EUI64, "err", err)
		return
	}
	supp.rtBuffer = frame
}

func (h *PskAuthHandler) DropSupp(supp *SuppCtx) {
	delete(h.pending, supp.EUI64)
}
