package core

import (
	"bytes"
	"fmt"
	"net/netip"

	"github.com/lunixbochs/struc"
	"github.com/weftnet/weft/state"
)

// Minimal DHCPv6 codec, RFC 8415: enough for the solicit/reply rapid
// commit exchange and the relay encapsulation, nothing more.

const (
	dhcpMsgSolicit      uint8 = 1
	dhcpMsgReply        uint8 = 7
	dhcpMsgRelayForw    uint8 = 12
	dhcpMsgRelayReply   uint8 = 13
	dhcpClientPort            = 546
	dhcpServerPort            = 547
	dhcpDuidTypeLinkHw        = 3
	dhcpHwTypeEui64           = 27
)

const (
	dhcpOptClientId    uint16 = 1
	dhcpOptServerId    uint16 = 2
	dhcpOptIaNa        uint16 = 3
	dhcpOptIaAddr      uint16 = 5
	dhcpOptElapsedTime uint16 = 8
	dhcpOptRelayMsg    uint16 = 9
	dhcpOptRapidCommit uint16 = 14
)

type dhcpOption struct {
	Code uint16
	Data []byte
}

// dhcpMsg covers both the client/server and the relay header forms:
// TxnId is valid for the former, Hops/LinkAddr/PeerAddr for the latter.
type dhcpMsg struct {
	MsgType  uint8
	TxnId    [3]byte
	Hops     uint8
	LinkAddr netip.Addr
	PeerAddr netip.Addr
	Options  []dhcpOption
}

func (m *dhcpMsg) isRelay() bool {
	return m.MsgType == dhcpMsgRelayForw || m.MsgType == dhcpMsgRelayReply
}

func (m *dhcpMsg) option(code uint16) ([]byte, bool) {
	for _, o := range m.Options {
		if o.Code == code {
			return o.Data, true
		}
	}
	return nil, false
}

func (m *dhcpMsg) addOption(code uint16, data []byte) {
	m.Options = append(m.Options, dhcpOption{Code: code, Data: data})
}

func encodeDhcp(m *dhcpMsg) []byte {
	var w bytes.Buffer
	w.WriteByte(m.MsgType)
	if m.isRelay() {
		w.WriteByte(m.Hops)
		la := m.LinkAddr.As16()
		pa := m.PeerAddr.As16()
		w.Write(la[:])
		w.Write(pa[:])
	} else {
		w.Write(m.TxnId[:])
	}
	for _, o := range m.Options {
		struc.Pack(&w, &dhcpOptHdr{Code: o.Code, Length: uint16(len(o.Data))})
		w.Write(o.Data)
	}
	return w.Bytes()
}

type dhcpOptHdr struct {
	Code   uint16 `struc:"uint16,big"`
	Length uint16 `struc:"uint16,big"`
}

func decodeDhcp(buf []byte) (*dhcpMsg, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("truncated message")
	}
	m := &dhcpMsg{MsgType: buf[0]}
	if m.isRelay() {
		if len(buf) < 34 {
			return nil, fmt.Errorf("truncated relay header")
		}
		m.Hops = buf[1]
		m.LinkAddr = netip.AddrFrom16([16]byte(buf[2:18]))
		m.PeerAddr = netip.AddrFrom16([16]byte(buf[18:34]))
		buf = buf[34:]
	} else {
		copy(m.TxnId[:], buf[1:4])
		buf = buf[4:]
	}
	for len(buf) > 0 {
		var hdr dhcpOptHdr
		if len(buf) < 4 {
			return nil, fmt.Errorf("truncated option header")
		}
		if err := struc.Unpack(bytes.NewReader(buf[:4]), &hdr); err != nil {
			return nil, err
		}
		if int(hdr.Length)+4 > len(buf) {
			return nil, fmt.Errorf("truncated option %d", hdr.Code)
		}
		m.Options = append(m.Options, dhcpOption{
			Code: hdr.Code,
			Data: buf[4 : 4+hdr.Length],
		})
		buf = buf[4+hdr.Length:]
	}
	return m, nil
}

// DUID-LL over an EUI-64, RFC 8415 11.4.
type dhcpDuidLl struct {
	DuidType uint16 `struc:"uint16,big"`
	HwType   uint16 `struc:"uint16,big"`
	Eui64    [8]byte
}

func dhcpClientId(eui64 state.EUI64) []byte {
	var w bytes.Buffer
	struc.Pack(&w, &dhcpDuidLl{
		DuidType: dhcpDuidTypeLinkHw,
		HwType:   dhcpHwTypeEui64,
		Eui64:    eui64,
	})
	return w.Bytes()
}

func dhcpEui64FromClientId(data []byte) (state.EUI64, error) {
	var duid dhcpDuidLl
	if err := struc.Unpack(bytes.NewReader(data), &duid); err != nil {
		return state.EUI64{}, err
	}
	if duid.DuidType != dhcpDuidTypeLinkHw || duid.HwType != dhcpHwTypeEui64 {
		return state.EUI64{}, fmt.Errorf("unsupported duid %d/%d", duid.DuidType, duid.HwType)
	}
	return duid.Eui64, nil
}

type dhcpIaNaHdr struct {
	Iaid uint32 `struc:"uint32,big"`
	T1   uint32 `struc:"uint32,big"`
	T2   uint32 `struc:"uint32,big"`
}

type dhcpIaAddr struct {
	Addr      [16]byte
	Preferred uint32 `struc:"uint32,big"`
	Valid     uint32 `struc:"uint32,big"`
}

func dhcpIaNa(iaid uint32, addr *dhcpIaAddr) []byte {
	var w bytes.Buffer
	struc.Pack(&w, &dhcpIaNaHdr{Iaid: iaid})
	if addr != nil {
		var inner bytes.Buffer
		struc.Pack(&inner, addr)
		struc.Pack(&w, &dhcpOptHdr{Code: dhcpOptIaAddr, Length: uint16(inner.Len())})
		w.Write(inner.Bytes())
	}
	return w.Bytes()
}

// dhcpLease pulls the first address out of an IA_NA option body.
func dhcpLease(data []byte) (netip.Addr, uint32, error) {
	if len(data) < 12 {
		return netip.Addr{}, 0, fmt.Errorf("truncated ia_na")
	}
	data = data[12:]
	for len(data) > 0 {
		var hdr dhcpOptHdr
		if len(data) < 4 {
			return netip.Addr{}, 0, fmt.Errorf("truncated ia_na option")
		}
		if err := struc.Unpack(bytes.NewReader(data[:4]), &hdr); err != nil {
			return netip.Addr{}, 0, err
		}
		if int(hdr.Length)+4 > len(data) {
			return netip.Addr{}, 0, fmt.Errorf("truncated ia_na option %d", hdr.Code)
		}
		if hdr.Code == dhcpOptIaAddr {
			var ia dhcpIaAddr
			if err := struc.Unpack(bytes.NewReader(data[4:4+hdr.Length]), &ia); err != nil {
				return netip.Addr{}, 0, err
			}
			return netip.AddrFrom16(ia.Addr), ia.Valid, nil
		}
		data = data[4+hdr.Length:]
	}
	return netip.Addr{}, 0, fmt.Errorf("no address in ia_na")
}
