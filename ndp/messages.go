package ndp

import (
	"bytes"
	"fmt"
	"net/netip"

	"github.com/lunixbochs/struc"
	"github.com/weftnet/weft/state"
)

// ICMPv6 types, RFC 4861 4.3/4.4.
const (
	TypeNeighborSolicit uint8 = 135
	TypeNeighborAdvert  uint8 = 136
)

// Option types. The address registration option is RFC 6775 4.1 as
// profiled by Wi-SUN FAN 1.1v09 6.2.3.1.4.1 (EUI-64 as the unique ID).
const (
	optSourceLinkAddr uint8 = 1
	optTargetLinkAddr uint8 = 2
	optAddrReg        uint8 = 33
)

// Aro is the Address Registration Option. Lifetime is in units of 60
// seconds on the wire; 0 deregisters.
type Aro struct {
	Status   uint8
	Lifetime uint16
	Eui64    state.EUI64
}

// ARO status codes, RFC 6775 table 1.
const (
	AroSuccess        uint8 = 0
	AroDuplicate      uint8 = 1
	AroCacheExhausted uint8 = 2
)

// Ns is a Neighbor Solicitation. Lladdr carries the source link-layer
// address option when present (EUI-64 on this link type).
type Ns struct {
	Target netip.Addr
	Lladdr *state.EUI64
	Aro    *Aro
}

// Na is a Neighbor Advertisement.
type Na struct {
	Router    bool
	Solicited bool
	Override  bool
	Target    netip.Addr
	Lladdr    *state.EUI64
	Aro       *Aro
}

type Message interface {
	Type() uint8
}

func (*Ns) Type() uint8 { return TypeNeighborSolicit }
func (*Na) Type() uint8 { return TypeNeighborAdvert }

// Fixed wire layouts, network order. The ICMPv6 type, code and checksum
// live in the outer header handled by the transport.
type nsHdr struct {
	Reserved uint32 `struc:"uint32,big"`
	Target   [16]byte
}

const nsHdrLen = 20

type naHdr struct {
	Flags    uint8  `struc:"uint8"`
	Reserved [3]byte
	Target   [16]byte
}

const naHdrLen = 20

const (
	naFlagRouter    = 1 << 7
	naFlagSolicited = 1 << 6
	naFlagOverride  = 1 << 5
)

// Link-layer address option for an 8-byte address: 2 units of 8 bytes,
// 6 bytes of padding.
type lladdrOpt struct {
	Eui64 [8]byte
	Pad   [6]byte
}

type aroOpt struct {
	Status   uint8 `struc:"uint8"`
	Reserved [3]byte
	Lifetime uint16 `struc:"uint16,big"`
	Eui64    [8]byte
}

const aroOptLen = 14

// putOpt frames one NDP option: type, length in units of 8 bytes
// (including the 2-byte option header), body.
func putOpt(w *bytes.Buffer, typ uint8, body []byte) {
	w.WriteByte(typ)
	w.WriteByte(uint8((len(body) + 2) / 8))
	w.Write(body)
}

func walkOpts(buf []byte, fn func(typ uint8, body []byte) error) error {
	for len(buf) > 0 {
		if len(buf) < 2 {
			return fmt.Errorf("truncated option header")
		}
		typ := buf[0]
		length := int(buf[1]) * 8
		if length == 0 {
			return fmt.Errorf("zero length option")
		}
		if length > len(buf) {
			return fmt.Errorf("truncated option body")
		}
		if err := fn(typ, buf[2:length]); err != nil {
			return err
		}
		buf = buf[length:]
	}
	return nil
}

// Decode parses the body of an ICMPv6 message of the given type,
// starting after the 4-byte ICMPv6 header.
func Decode(typ uint8, buf []byte) (Message, error) {
	switch typ {
	case TypeNeighborSolicit:
		return decodeNs(buf)
	case TypeNeighborAdvert:
		return decodeNa(buf)
	default:
		return nil, fmt.Errorf("unsupported icmpv6 type %d", typ)
	}
}

func decodeOpts(buf []byte) (lladdr *state.EUI64, aro *Aro, err error) {
	err = walkOpts(buf, func(typ uint8, body []byte) error {
		switch typ {
		case optSourceLinkAddr, optTargetLinkAddr:
			if len(body) < 8 {
				return fmt.Errorf("truncated link-layer address")
			}
			ll := state.EUI64(body[:8])
			lladdr = &ll
		case optAddrReg:
			var opt aroOpt
			if len(body) < aroOptLen {
				return fmt.Errorf("truncated address registration")
			}
			if err := struc.Unpack(bytes.NewReader(body), &opt); err != nil {
				return err
			}
			aro = &Aro{
				Status:   opt.Status,
				Lifetime: opt.Lifetime,
				Eui64:    opt.Eui64,
			}
		}
		return nil
	})
	return lladdr, aro, err
}

func decodeNs(buf []byte) (*Ns, error) {
	if len(buf) < nsHdrLen {
		return nil, fmt.Errorf("truncated neighbor solicitation")
	}
	var hdr nsHdr
	if err := struc.Unpack(bytes.NewReader(buf[:nsHdrLen]), &hdr); err != nil {
		return nil, err
	}
	lladdr, aro, err := decodeOpts(buf[nsHdrLen:])
	if err != nil {
		return nil, err
	}
	return &Ns{
		Target: netip.AddrFrom16(hdr.Target),
		Lladdr: lladdr,
		Aro:    aro,
	}, nil
}

func decodeNa(buf []byte) (*Na, error) {
	if len(buf) < naHdrLen {
		return nil, fmt.Errorf("truncated neighbor advertisement")
	}
	var hdr naHdr
	if err := struc.Unpack(bytes.NewReader(buf[:naHdrLen]), &hdr); err != nil {
		return nil, err
	}
	lladdr, aro, err := decodeOpts(buf[naHdrLen:])
	if err != nil {
		return nil, err
	}
	return &Na{
		Router:    hdr.Flags&naFlagRouter != 0,
		Solicited: hdr.Flags&naFlagSolicited != 0,
		Override:  hdr.Flags&naFlagOverride != 0,
		Target:    netip.AddrFrom16(hdr.Target),
		Lladdr:    lladdr,
		Aro:       aro,
	}, nil
}

// Encode serializes the message body, starting after the 4-byte ICMPv6
// header.
func Encode(m Message) []byte {
	var w bytes.Buffer
	switch m := m.(type) {
	case *Ns:
		struc.Pack(&w, &nsHdr{Target: m.Target.As16()})
		encodeOpts(&w, optSourceLinkAddr, m.Lladdr, m.Aro)
	case *Na:
		var flags uint8
		if m.Router {
			flags |= naFlagRouter
		}
		if m.Solicited {
			flags |= naFlagSolicited
		}
		if m.Override {
			flags |= naFlagOverride
		}
		struc.Pack(&w, &naHdr{Flags: flags, Target: m.Target.As16()})
		encodeOpts(&w, optTargetLinkAddr, m.Lladdr, m.Aro)
	}
	return w.Bytes()
}

func encodeOpts(w *bytes.Buffer, lladdrType uint8, lladdr *state.EUI64, aro *Aro) {
	if lladdr != nil {
		var body bytes.Buffer
		struc.Pack(&body, &lladdrOpt{Eui64: *lladdr})
		putOpt(w, lladdrType, body.Bytes())
	}
	if aro != nil {
		var body bytes.Buffer
		struc.Pack(&body, &aroOpt{
			Status:   aro.Status,
			Lifetime: aro.Lifetime,
			Eui64:    aro.Eui64,
		})
		putOpt(w, optAddrReg, body.Bytes())
	}
}
