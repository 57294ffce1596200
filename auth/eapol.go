package auth

import (
	"bytes"
	"fmt"

	"github.com/lunixbochs/struc"
	"github.com/weftnet/weft/state"
)

// KmpId identifies the key management protocol an EAPOL frame belongs
// to, IEEE 802.15.9 Table 3. The ID travels next to the frame in the
// MPX-IE, so it is metadata here rather than part of the payload.
type KmpId uint8

const (
	KmpNone  KmpId = 0
	Kmp8021x KmpId = 1
	Kmp4wh   KmpId = 6
	KmpGkh   KmpId = 7
)

func (k KmpId) String() string {
	switch k {
	case Kmp8021x:
		return "eap"
	case Kmp4wh:
		return "4wh"
	case KmpGkh:
		return "gkh"
	default:
		return fmt.Sprintf("kmp-%d", uint8(k))
	}
}

// IEEE 802.1X-2020 11.3.2 Packet Type
const (
	EapolTypeEap uint8 = 0
	EapolTypeKey uint8 = 3
)

const eapolVersion = 3

type EapolHdr struct {
	Version    uint8  `struc:"uint8"`
	PacketType uint8  `struc:"uint8"`
	BodyLength uint16 `struc:"uint16,big"`
}

const eapolHdrLen = 4

func eapolTypeStr(t uint8) string {
	switch t {
	case EapolTypeEap:
		return "eap"
	case EapolTypeKey:
		return "key"
	default:
		return fmt.Sprintf("type-%d", t)
	}
}

// ParseEapol splits a frame into its header and body. The body is
// everything after the header: peers padding beyond BodyLength is
// tolerated, the protocol handlers bound their own reads.
func ParseEapol(buf []byte) (EapolHdr, []byte, error) {
	var hdr EapolHdr
	if len(buf) < eapolHdrLen {
		return hdr, nil, fmt.Errorf("invalid eapol header")
	}
	if err := struc.Unpack(bytes.NewReader(buf[:eapolHdrLen]), &hdr); err != nil {
		return hdr, nil, fmt.Errorf("invalid eapol header: %w", err)
	}
	return hdr, buf[eapolHdrLen:], nil
}

// NewEapol frames a packet body for transmission.
func NewEapol(packetType uint8, body []byte) []byte {
	var buf bytes.Buffer
	struc.Pack(&buf, &EapolHdr{
		Version:    eapolVersion,
		PacketType: packetType,
		BodyLength: uint16(len(body)),
	})
	buf.Write(body)
	return buf.Bytes()
}

// EapolTransport carries EAPOL frames to a peer, over the MAC for
// one-hop neighbors or through the EAPOL relay for nodes deeper in the
// mesh.
type EapolTransport interface {
	SendEapol(s *state.State, kmp KmpId, dst state.EUI64, buf []byte) error
}

// EapolHandler implements the key management protocols running on top
// of the supplicant tracking: EAP-TLS and the IEEE 802.11 handshakes.
// DropSupp releases whatever per-supplicant handshake state the handler
// keeps.
type EapolHandler interface {
	RecvEap(s *state.State, supp *SuppCtx, buf []byte) error
	RecvKey(s *state.State, supp *SuppCtx, buf []byte) error
	RefreshRetry(supp *SuppCtx)
	DropSupp(supp *SuppCtx)
}
