package core

import (
	"errors"
	"math/rand/v2"
	"net/netip"

	"github.com/weftnet/weft/lowpan"
	"github.com/weftnet/weft/perf"
	"github.com/weftnet/weft/state"
)

// linkMtu is the largest frame payload carried in one piece on the
// radio; longer datagrams go out fragmented.
const linkMtu = 1024

// Datagrams is the mesh data plane: frames arriving from the radio are
// reassembled and either handed to the local stack or forwarded toward
// the next hop, refragmented to the link MTU.
type Datagrams struct {
	Radio Radio

	// Deliver receives datagrams addressed to this node. nil drops
	// them with a debug log.
	Deliver func(s *state.State, buf []byte) error

	Reasm *lowpan.Ctx
	tag   uint16
}

func (d *Datagrams) Init(s *state.State) error {
	d.Reasm = lowpan.NewCtx(s.Env)
	d.tag = uint16(rand.Uint32())
	return nil
}

func (d *Datagrams) Cleanup(s *state.State) error {
	d.Reasm.Clear()
	return nil
}

// RecvFrame consumes one data frame from the radio.
func (d *Datagrams) RecvFrame(s *state.State, src, dst state.EUI64, frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	buf := frame
	if lowpan.IsFrag(frame[0]) {
		var err error
		buf, err = d.Reasm.Recv(frame, src, dst)
		if errors.Is(err, lowpan.ErrPending) {
			return nil
		}
		if err != nil {
			s.Log.Debug("drop data frame", "src", src, "error", err)
			return nil
		}
	}
	perf.RxBytesPerSecond.Add(float64(len(buf)))
	return d.route(s, buf)
}

func (d *Datagrams) route(s *state.State, buf []byte) error {
	if len(buf) < 40 || buf[0]>>4 != 6 {
		s.Log.Debug("drop datagram: not ipv6", "len", len(buf))
		return nil
	}
	dst := netip.AddrFrom16([16]byte(buf[24:40]))
	if d.isLocal(s, dst) {
		if d.Deliver != nil {
			return d.Deliver(s, buf)
		}
		s.Log.Debug("drop datagram: no local sink", "dst", dst)
		return nil
	}
	// Forwarding decrements the hop limit.
	if buf[7] <= 1 {
		s.Log.Debug("drop datagram: hop limit exhausted", "dst", dst)
		return nil
	}
	buf[7]--
	hop, ok := Get[*Routes](s).Lookup(dst)
	if !ok {
		s.Log.Debug("drop datagram: no route", "dst", dst)
		return nil
	}
	eui64 := state.EUI64FromIID(hop)
	if s.GetNeighbor(eui64) == nil {
		s.Log.Debug("drop datagram: next hop not a neighbor", "via", hop)
		return nil
	}
	return d.Send(s, eui64, buf)
}

func (d *Datagrams) isLocal(s *state.State, dst netip.Addr) bool {
	if dst == s.EUI64.LinkLocal() || dst == Get[*Dhcp](s).Addr {
		return true
	}
	return dst.IsMulticast() && Get[*Routes](s).Groups[dst]
}

// Send transmits a datagram to a link neighbor, fragmenting it when it
// does not fit in one frame.
func (d *Datagrams) Send(s *state.State, dst state.EUI64, buf []byte) error {
	perf.TxBytesPerSecond.Add(float64(len(buf)))
	if len(buf) <= linkMtu {
		return d.Radio.SendData(dst, buf)
	}
	d.tag++
	frags, err := lowpan.Fragment(buf, d.tag, linkMtu)
	if err != nil {
		return err
	}
	for _, frag := range frags {
		if err := d.Radio.SendData(dst, frag); err != nil {
			return err
		}
	}
	return nil
}
