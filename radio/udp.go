// Package radio provides the development radio: every node on the host
// joins one UDP multicast group standing in for the shared RF medium.
// The real lower MAC lives on an RCP and speaks the same core.Radio
// interface.
package radio

import (
	"bytes"
	"fmt"
	"net"

	"github.com/lunixbochs/struc"
	"github.com/weftnet/weft/auth"
	"github.com/weftnet/weft/core"
	"github.com/weftnet/weft/state"
)

const (
	fTypePa uint8 = iota + 1
	fTypePas
	fTypePc
	fTypePcs
	fTypeEapol
	fTypeData
)

// frameHdr frames every transmission on the simulated medium. Dst is
// all-ones for broadcast.
type frameHdr struct {
	Source  [8]byte
	Dst     [8]byte
	FType   uint8  `struc:"uint8"`
	Kmp     uint8  `struc:"uint8"`
	Length  uint16 `struc:"uint16,big,sizeof=Payload"`
	Payload []byte
}

type paPayload struct {
	PanId       uint16 `struc:"uint16,big"`
	RoutingCost uint16 `struc:"uint16,big"`
	PanSize     uint16 `struc:"uint16,big"`
}

type pcPayload struct {
	PanId      uint16 `struc:"uint16,big"`
	PanVersion uint16 `struc:"uint16,big"`
	GtkHashes  [state.GtkCount][8]byte
}

type pcsPayload struct {
	PanId uint16 `struc:"uint16,big"`
}

// Udp is the multicast-backed radio. Send methods run on the dispatch
// loop; inbound frames are parsed on the read goroutine and dispatched.
type Udp struct {
	env   *state.Env
	eui64 state.EUI64
	panId uint16

	conn  *net.UDPConn
	group *net.UDPAddr
	done  chan struct{}
}

func New(env *state.Env, eui64 state.EUI64) (*Udp, error) {
	group, err := net.ResolveUDPAddr("udp4", env.Cfg.RadioGroup)
	if err != nil {
		return nil, fmt.Errorf("radio group %s: %w", env.Cfg.RadioGroup, err)
	}
	var ifi *net.Interface
	if env.Cfg.RadioInterface != "" {
		if ifi, err = net.InterfaceByName(env.Cfg.RadioInterface); err != nil {
			return nil, fmt.Errorf("radio interface: %w", err)
		}
	}
	conn, err := net.ListenMulticastUDP("udp4", ifi, group)
	if err != nil {
		return nil, fmt.Errorf("radio listen: %w", err)
	}
	r := &Udp{
		env:   env,
		eui64: eui64,
		panId: 0xffff,
		conn:  conn,
		group: group,
		done:  make(chan struct{}),
	}
	go r.readLoop()
	return r, nil
}

func (r *Udp) Close() error {
	err := r.conn.Close()
	<-r.done
	return err
}

func (r *Udp) Eui64() state.EUI64 { return r.eui64 }

func (r *Udp) SetPanId(panId uint16) error {
	r.panId = panId
	return nil
}

// SetKey only logs: the simulated medium carries everything in the
// clear, the slot bookkeeping is what the join logic needs exercised.
func (r *Udp) SetKey(keyIndex int, key *[16]byte, frameCounter uint32) error {
	if key == nil {
		r.env.Log.Debug("radio: clear key", "slot", keyIndex)
	} else {
		r.env.Log.Debug("radio: install key", "slot", keyIndex, "frame_counter", frameCounter)
	}
	return nil
}

func (r *Udp) SendPanAdvert(adv core.PanAdvert) error {
	var body bytes.Buffer
	struc.Pack(&body, &paPayload{
		PanId:       adv.PanId,
		RoutingCost: adv.RoutingCost,
		PanSize:     adv.PanSize,
	})
	return r.send(fTypePa, 0, state.BroadcastEUI64, body.Bytes())
}

func (r *Udp) SendPanAdvertSolicit() error {
	return r.send(fTypePas, 0, state.BroadcastEUI64, nil)
}

func (r *Udp) SendPanConfig(conf core.PanConfig) error {
	var body bytes.Buffer
	struc.Pack(&body, &pcPayload{
		PanId:      conf.PanId,
		PanVersion: uint16(conf.PanVersion),
		GtkHashes:  conf.GtkHashes,
	})
	return r.send(fTypePc, 0, state.BroadcastEUI64, body.Bytes())
}

func (r *Udp) SendPanConfigSolicit(panId uint16) error {
	var body bytes.Buffer
	struc.Pack(&body, &pcsPayload{PanId: panId})
	return r.send(fTypePcs, 0, state.BroadcastEUI64, body.Bytes())
}

func (r *Udp) SendEapol(kmp auth.KmpId, dst state.EUI64, buf []byte) error {
	return r.send(fTypeEapol, uint8(kmp), dst, buf)
}

func (r *Udp) SendData(dst state.EUI64, frame []byte) error {
	return r.send(fTypeData, 0, dst, frame)
}

func (r *Udp) send(ftype, kmp uint8, dst state.EUI64, payload []byte) error {
	var w bytes.Buffer
	err := struc.Pack(&w, &frameHdr{
		Source:  r.eui64,
		Dst:     dst,
		FType:   ftype,
		Kmp:     kmp,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	if _, err = r.conn.WriteToUDP(w.Bytes(), r.group); err != nil {
		return fmt.Errorf("radio send: %w", err)
	}
	r.accountAirtime(w.Len())
	return nil
}

// accountAirtime approximates the frame's air occupancy at a 150 kb/s
// PHY and feeds the duty-cycle counter. Best effort: accounting is
// dropped rather than blocking the loop that called us.
func (r *Udp) accountAirtime(bytes int) {
	ms := uint32(bytes*8/150) + 1
	select {
	case r.env.DispatchChannel <- func(s *state.State) error {
		s.TxDurationMs += ms
		return nil
	}:
	default:
	}
}

// rslFor fakes a stable received signal level per transmitter, so the
// hysteresis checks see consistent values across a run.
func rslFor(src state.EUI64) float32 {
	return -50 - float32(src[6]%8) - float32(src[7]%16)
}

func (r *Udp) readLoop() {
	defer close(r.done)
	buf := make([]byte, 2048)
	for {
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.env.Context.Done():
			default:
				r.env.Log.Error("radio read", "error", err)
			}
			return
		}
		var hdr frameHdr
		if err := struc.Unpack(bytes.NewReader(buf[:n]), &hdr); err != nil {
			r.env.Log.Debug("drop radio frame: malformed", "error", err)
			continue
		}
		src := state.EUI64(hdr.Source)
		dst := state.EUI64(hdr.Dst)
		if src == r.eui64 {
			continue // our own multicast echo
		}
		if !dst.IsBroadcast() && dst != r.eui64 {
			continue
		}
		if fn := r.demux(src, dst, hdr.FType, hdr.Kmp, hdr.Payload); fn != nil {
			select {
			case r.env.DispatchChannel <- fn:
			case <-r.env.Context.Done():
				return
			}
		}
	}
}

func (r *Udp) demux(src, dst state.EUI64, ftype, kmp uint8, payload []byte) func(*state.State) error {
	rsl := rslFor(src)
	switch ftype {
	case fTypePa:
		var pa paPayload
		if err := struc.Unpack(bytes.NewReader(payload), &pa); err != nil {
			return nil
		}
		return func(s *state.State) error {
			return core.Get[*core.Discovery](s).RecvPanAdvert(s, core.PanAdvert{
				Source:      src,
				PanId:       pa.PanId,
				RoutingCost: pa.RoutingCost,
				PanSize:     pa.PanSize,
				RslDbm:      rsl,
			})
		}
	case fTypePas:
		return func(s *state.State) error {
			return core.Get[*core.Discovery](s).RecvPanAdvertSolicit(s, src)
		}
	case fTypePc:
		var pc pcPayload
		if err := struc.Unpack(bytes.NewReader(payload), &pc); err != nil {
			return nil
		}
		return func(s *state.State) error {
			return core.Get[*core.Discovery](s).RecvPanConfig(s, core.PanConfig{
				Source:     src,
				PanId:      pc.PanId,
				PanVersion: int(pc.PanVersion),
				GtkHashes:  pc.GtkHashes,
				RslDbm:     rsl,
			})
		}
	case fTypePcs:
		var pcs pcsPayload
		if err := struc.Unpack(bytes.NewReader(payload), &pcs); err != nil {
			return nil
		}
		return func(s *state.State) error {
			return core.Get[*core.Discovery](s).RecvPanConfigSolicit(s, src, pcs.PanId)
		}
	case fTypeEapol:
		frame := append([]byte(nil), payload...)
		return func(s *state.State) error {
			return core.Get[*core.Security](s).RecvEapol(s, auth.KmpId(kmp), src, frame)
		}
	case fTypeData:
		frame := append([]byte(nil), payload...)
		return func(s *state.State) error {
			return core.Get[*core.Datagrams](s).RecvFrame(s, src, dst, frame)
		}
	}
	return nil
}
