// Package rpl implements the RPL control message codec (RFC 6550) and
// the raw ICMPv6 transport carrying it. Only the surface used by a
// Wi-SUN FAN router is covered: DIS, DIO with a DODAG Configuration
// option, non-storing DAO with target and transit options, and DAO-ACK.
package rpl

import (
	"bytes"
	"fmt"
	"net/netip"
	"time"

	"github.com/lunixbochs/struc"
)

// ICMPv6 code under the RPL Control message type, RFC 6550 6.
const (
	CodeDis    uint8 = 0x00
	CodeDio    uint8 = 0x01
	CodeDao    uint8 = 0x02
	CodeDaoAck uint8 = 0x03
)

// Mode of operation, RFC 6550 6.3.1. Wi-SUN FAN mandates non-storing.
const MopNonStoring = 1

const (
	optPad1       uint8 = 0x00
	optPadN       uint8 = 0x01
	optDodagConf  uint8 = 0x04
	optTarget     uint8 = 0x05
	optTransit    uint8 = 0x06
	optPrefixInfo uint8 = 0x08
)

// Message is one RPL control message: *Dis, *Dio, *Dao or *DaoAck.
type Message interface {
	Code() uint8
	encodeBody(w *bytes.Buffer)
}

type Dis struct{}

func (*Dis) Code() uint8 { return CodeDis }

// Dio is a DODAG Information Object, RFC 6550 6.3. Conf carries the
// DODAG Configuration option when the sender included one.
type Dio struct {
	InstanceId uint8
	Version    uint8
	Rank       uint16
	Grounded   bool
	Mop        uint8
	Prf        uint8
	Dtsn       uint8
	DodagId    netip.Addr

	Conf *DodagConf
}

func (*Dio) Code() uint8 { return CodeDio }

// DodagConf is the DODAG Configuration option, RFC 6550 6.7.6. Rank
// parameters feed MRHOF, the interval fields parameterize the DIO
// trickle, lifetimes bound DAO registrations.
type DodagConf struct {
	AuthEnabled          bool
	Pcs                  uint8
	DioIntervalDoublings uint8
	DioIntervalMin       uint8
	DioRedundancy        uint8
	MaxRankIncrease      uint16
	MinHopRankIncrease   uint16
	Ocp                  uint16
	DefaultLifetime      uint8
	LifetimeUnit         uint16
}

// DioImin is the trickle Imin encoded in the configuration: 2^n ms.
func (c *DodagConf) DioImin() time.Duration {
	return time.Duration(1<<c.DioIntervalMin) * time.Millisecond
}

func (c *DodagConf) DioImax() time.Duration {
	return c.DioImin() << c.DioIntervalDoublings
}

// PathLifetime is the default DAO registration lifetime.
func (c *DodagConf) PathLifetime() time.Duration {
	return time.Duration(c.DefaultLifetime) * time.Duration(c.LifetimeUnit) * time.Second
}

// Dao is a Destination Advertisement Object, RFC 6550 6.4. DodagId is
// only on the wire when valid (D flag). In non-storing mode the
// message goes straight to the root and Transit names our parent.
type Dao struct {
	InstanceId uint8
	ExpectAck  bool
	Sequence   uint8
	DodagId    netip.Addr

	Targets []netip.Addr
	Transit *TransitInfo
}

func (*Dao) Code() uint8 { return CodeDao }

// TransitInfo is the Transit Information option, RFC 6550 6.7.8.
// Parent is present exactly in non-storing mode.
type TransitInfo struct {
	External     bool
	PathControl  uint8
	PathSequence uint8
	PathLifetime uint8
	Parent       netip.Addr
}

// DaoAck acknowledges a DAO, RFC 6550 6.5.
type DaoAck struct {
	InstanceId uint8
	Sequence   uint8
	Status     uint8
	DodagId    netip.Addr
}

func (*DaoAck) Code() uint8 { return CodeDaoAck }

// RFC 6550 6.5.1: status 0 is unqualified acceptance, values with the
// high bit set are rejections.
func (a *DaoAck) Accepted() bool {
	return a.Status < 0x80
}

// Fixed wire layouts. Multi-byte fields are network order throughout
// RFC 6550.

type disHdr struct {
	Flags    uint8 `struc:"uint8"`
	Reserved uint8 `struc:"uint8"`
}

const disHdrLen = 2

type dioHdr struct {
	InstanceId uint8  `struc:"uint8"`
	Version    uint8  `struc:"uint8"`
	Rank       uint16 `struc:"uint16,big"`
	GMopPrf    uint8  `struc:"uint8"`
	Dtsn       uint8  `struc:"uint8"`
	Flags      uint8  `struc:"uint8"`
	Reserved   uint8  `struc:"uint8"`
	DodagId    [16]byte
}

const dioHdrLen = 24

type dodagConfOpt struct {
	FlagsPcs             uint8  `struc:"uint8"`
	DioIntervalDoublings uint8  `struc:"uint8"`
	DioIntervalMin       uint8  `struc:"uint8"`
	DioRedundancy        uint8  `struc:"uint8"`
	MaxRankIncrease      uint16 `struc:"uint16,big"`
	MinHopRankIncrease   uint16 `struc:"uint16,big"`
	Ocp                  uint16 `struc:"uint16,big"`
	Reserved             uint8  `struc:"uint8"`
	DefaultLifetime      uint8  `struc:"uint8"`
	LifetimeUnit         uint16 `struc:"uint16,big"`
}

const dodagConfOptLen = 14

type daoHdr struct {
	InstanceId uint8 `struc:"uint8"`
	KDFlags    uint8 `struc:"uint8"`
	Reserved   uint8 `struc:"uint8"`
	Sequence   uint8 `struc:"uint8"`
}

const daoHdrLen = 4

type daoAckHdr struct {
	InstanceId uint8 `struc:"uint8"`
	DFlags     uint8 `struc:"uint8"`
	Sequence   uint8 `struc:"uint8"`
	Status     uint8 `struc:"uint8"`
}

const daoAckHdrLen = 4

type targetOpt struct {
	Flags        uint8 `struc:"uint8"`
	PrefixLength uint8 `struc:"uint8"`
	Prefix       [16]byte
}

const targetOptLen = 18

type transitHdr struct {
	EFlags       uint8 `struc:"uint8"`
	PathControl  uint8 `struc:"uint8"`
	PathSequence uint8 `struc:"uint8"`
	PathLifetime uint8 `struc:"uint8"`
}

const transitHdrLen = 4

// walkOpts iterates the TLV option run of a control message. Pad
// options are skipped here, unknown types reach fn to be ignored by
// the caller per RFC 6550 6.7.1.
func walkOpts(buf []byte, fn func(typ uint8, body []byte) error) error {
	for len(buf) > 0 {
		if buf[0] == optPad1 {
			buf = buf[1:]
			continue
		}
		if len(buf) < 2 {
			return fmt.Errorf("truncated option")
		}
		bodyLen := int(buf[1])
		if len(buf) < 2+bodyLen {
			return fmt.Errorf("truncated option %d", buf[0])
		}
		if err := fn(buf[0], buf[2:2+bodyLen]); err != nil {
			return err
		}
		buf = buf[2+bodyLen:]
	}
	return nil
}

func putOpt(w *bytes.Buffer, typ uint8, body []byte) {
	w.WriteByte(typ)
	w.WriteByte(uint8(len(body)))
	w.Write(body)
}

// Decode parses a full ICMPv6 RPL Control packet, checksum included.
func Decode(buf []byte) (Message, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("truncated icmpv6 header")
	}
	if buf[0] != icmpTypeRplControl {
		return nil, fmt.Errorf("not an rpl control message (type %d)", buf[0])
	}
	code, body := buf[1], buf[4:]
	switch code {
	case CodeDis:
		return decodeDis(body)
	case CodeDio:
		return decodeDio(body)
	case CodeDao:
		return decodeDao(body)
	case CodeDaoAck:
		return decodeDaoAck(body)
	default:
		return nil, fmt.Errorf("unsupported rpl code %d", code)
	}
}

// Encode serializes a message into a full ICMPv6 packet with a zero
// checksum; raw ICMPv6 sockets have the kernel fill it in.
func Encode(m Message) []byte {
	var w bytes.Buffer
	w.WriteByte(icmpTypeRplControl)
	w.WriteByte(m.Code())
	w.WriteByte(0)
	w.WriteByte(0)
	m.encodeBody(&w)
	return w.Bytes()
}

func decodeDis(body []byte) (*Dis, error) {
	if len(body) < disHdrLen {
		return nil, fmt.Errorf("truncated dis")
	}
	// Solicited Information filtering is not used: every DIS earns a
	// trickle-consistent DIO response.
	if err := walkOpts(body[disHdrLen:], func(uint8, []byte) error { return nil }); err != nil {
		return nil, err
	}
	return &Dis{}, nil
}

func (*Dis) encodeBody(w *bytes.Buffer) {
	struc.Pack(w, &disHdr{})
}

func decodeDio(body []byte) (*Dio, error) {
	var h dioHdr
	if err := struc.Unpack(bytes.NewReader(body), &h); err != nil {
		return nil, fmt.Errorf("truncated dio")
	}
	d := &Dio{
		InstanceId: h.InstanceId,
		Version:    h.Version,
		Rank:       h.Rank,
		Grounded:   h.GMopPrf&0x80 != 0,
		Mop:        h.GMopPrf >> 3 & 0x7,
		Prf:        h.GMopPrf & 0x7,
		Dtsn:       h.Dtsn,
		DodagId:    netip.AddrFrom16(h.DodagId),
	}
	err := walkOpts(body[dioHdrLen:], func(typ uint8, opt []byte) error {
		if typ != optDodagConf {
			return nil
		}
		if len(opt) < dodagConfOptLen {
			return fmt.Errorf("truncated dodag configuration")
		}
		var c dodagConfOpt
		struc.Unpack(bytes.NewReader(opt), &c)
		d.Conf = &DodagConf{
			AuthEnabled:          c.FlagsPcs&0x08 != 0,
			Pcs:                  c.FlagsPcs & 0x07,
			DioIntervalDoublings: c.DioIntervalDoublings,
			DioIntervalMin:       c.DioIntervalMin,
			DioRedundancy:        c.DioRedundancy,
			MaxRankIncrease:      c.MaxRankIncrease,
			MinHopRankIncrease:   c.MinHopRankIncrease,
			Ocp:                  c.Ocp,
			DefaultLifetime:      c.DefaultLifetime,
			LifetimeUnit:         c.LifetimeUnit,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dio) encodeBody(w *bytes.Buffer) {
	gMopPrf := d.Mop<<3 | d.Prf&0x7
	if d.Grounded {
		gMopPrf |= 0x80
	}
	struc.Pack(w, &dioHdr{
		InstanceId: d.InstanceId,
		Version:    d.Version,
		Rank:       d.Rank,
		GMopPrf:    gMopPrf,
		Dtsn:       d.Dtsn,
		DodagId:    d.DodagId.As16(),
	})
	if d.Conf == nil {
		return
	}
	var opt bytes.Buffer
	flagsPcs := d.Conf.Pcs & 0x07
	if d.Conf.AuthEnabled {
		flagsPcs |= 0x08
	}
	struc.Pack(&opt, &dodagConfOpt{
		FlagsPcs:             flagsPcs,
		DioIntervalDoublings: d.Conf.DioIntervalDoublings,
		DioIntervalMin:       d.Conf.DioIntervalMin,
		DioRedundancy:        d.Conf.DioRedundancy,
		MaxRankIncrease:      d.Conf.MaxRankIncrease,
		MinHopRankIncrease:   d.Conf.MinHopRankIncrease,
		Ocp:                  d.Conf.Ocp,
		DefaultLifetime:      d.Conf.DefaultLifetime,
		LifetimeUnit:         d.Conf.LifetimeUnit,
	})
	putOpt(w, optDodagConf, opt.Bytes())
}

func decodeDao(body []byte) (*Dao, error) {
	var h daoHdr
	if err := struc.Unpack(bytes.NewReader(body), &h); err != nil {
		return nil, fmt.Errorf("truncated dao")
	}
	d := &Dao{
		InstanceId: h.InstanceId,
		ExpectAck:  h.KDFlags&0x80 != 0,
		Sequence:   h.Sequence,
	}
	opts := body[daoHdrLen:]
	if h.KDFlags&0x40 != 0 {
		if len(opts) < 16 {
			return nil, fmt.Errorf("truncated dao dodagid")
		}
		d.DodagId = netip.AddrFrom16([16]byte(opts[:16]))
		opts = opts[16:]
	}
	err := walkOpts(opts, func(typ uint8, opt []byte) error {
		switch typ {
		case optTarget:
			if len(opt) < targetOptLen {
				return fmt.Errorf("truncated rpl target")
			}
			var o targetOpt
			struc.Unpack(bytes.NewReader(opt), &o)
			d.Targets = append(d.Targets, netip.AddrFrom16(o.Prefix))
		case optTransit:
			if len(opt) < transitHdrLen {
				return fmt.Errorf("truncated transit information")
			}
			var o transitHdr
			struc.Unpack(bytes.NewReader(opt), &o)
			d.Transit = &TransitInfo{
				External:     o.EFlags&0x80 != 0,
				PathControl:  o.PathControl,
				PathSequence: o.PathSequence,
				PathLifetime: o.PathLifetime,
			}
			if len(opt) >= transitHdrLen+16 {
				d.Transit.Parent = netip.AddrFrom16([16]byte(opt[transitHdrLen : transitHdrLen+16]))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dao) encodeBody(w *bytes.Buffer) {
	var kdFlags uint8
	if d.ExpectAck {
		kdFlags |= 0x80
	}
	if d.DodagId.IsValid() {
		kdFlags |= 0x40
	}
	struc.Pack(w, &daoHdr{
		InstanceId: d.InstanceId,
		KDFlags:    kdFlags,
		Sequence:   d.Sequence,
	})
	if d.DodagId.IsValid() {
		id := d.DodagId.As16()
		w.Write(id[:])
	}
	for _, target := range d.Targets {
		var opt bytes.Buffer
		struc.Pack(&opt, &targetOpt{PrefixLength: 128, Prefix: target.As16()})
		putOpt(w, optTarget, opt.Bytes())
	}
	if d.Transit == nil {
		return
	}
	var opt bytes.Buffer
	var eFlags uint8
	if d.Transit.External {
		eFlags |= 0x80
	}
	struc.Pack(&opt, &transitHdr{
		EFlags:       eFlags,
		PathControl:  d.Transit.PathControl,
		PathSequence: d.Transit.PathSequence,
		PathLifetime: d.Transit.PathLifetime,
	})
	if d.Transit.Parent.IsValid() {
		parent := d.Transit.Parent.As16()
		opt.Write(parent[:])
	}
	putOpt(w, optTransit, opt.Bytes())
}

func decodeDaoAck(body []byte) (*DaoAck, error) {
	var h daoAckHdr
	if err := struc.Unpack(bytes.NewReader(body), &h); err != nil {
		return nil, fmt.Errorf("truncated dao-ack")
	}
	a := &DaoAck{
		InstanceId: h.InstanceId,
		Sequence:   h.Sequence,
		Status:     h.Status,
	}
	if h.DFlags&0x80 != 0 {
		rest := body[daoAckHdrLen:]
		if len(rest) < 16 {
			return nil, fmt.Errorf("truncated dao-ack dodagid")
		}
		a.DodagId = netip.AddrFrom16([16]byte(rest[:16]))
	}
	return a, nil
}

func (a *DaoAck) encodeBody(w *bytes.Buffer) {
	var dFlags uint8
	if a.DodagId.IsValid() {
		dFlags |= 0x80
	}
	struc.Pack(w, &daoAckHdr{
		InstanceId: a.InstanceId,
		DFlags:     dFlags,
		Sequence:   a.Sequence,
		Status:     a.Status,
	})
	if a.DodagId.IsValid() {
		id := a.DodagId.As16()
		w.Write(id[:])
	}
}
