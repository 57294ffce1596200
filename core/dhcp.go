package core

import (
	"crypto/rand"
	"net/netip"
	"time"

	"github.com/weftnet/weft/state"
)

// DhcpHandler receives decoded messages on the dispatch goroutine,
// along with the local port they arrived on (client or server side).
type DhcpHandler func(s *state.State, src netip.AddrPort, local uint16, msg *dhcpMsg) error

// DhcpTransport is the pair of UDP sockets DHCPv6 runs on: the client
// port for our own lease and the server port for relay duty.
type DhcpTransport interface {
	Start(handler DhcpHandler)
	SendClient(dst netip.Addr, msg *dhcpMsg) error
	SendRelay(dst netip.Addr, port uint16, msg *dhcpMsg) error
	Close() error
}

// Dhcp acquires the node's global address with a rapid commit solicit
// exchange through the preferred parent, RFC 8415 18.2.1, and relays
// downstream exchanges toward the DODAG root once operational.
type Dhcp struct {
	Transport DhcpTransport

	SolicitTxAlg *state.TxAlg
	Running      bool
	// Leased global address, invalid until a reply arrives.
	Addr netip.Addr

	relayRunning bool
	txnId        [3]byte
	iaid         uint32
	renewTimer   *state.Timer
	timers       state.TimerGroup
}

func (d *Dhcp) Init(s *state.State) error {
	d.iaid = uint32(s.EUI64[4])<<24 | uint32(s.EUI64[5])<<16 |
		uint32(s.EUI64[6])<<8 | uint32(s.EUI64[7])

	d.SolicitTxAlg = state.NewTxAlg(s.Env, "dhcp-solicit", state.TxAlgCfg{
		Irt:      state.DhcpSolicitIrt,
		Mrt:      state.DhcpSolicitMrt,
		Mrc:      state.DhcpSolicitMrc,
		MaxDelay: state.DhcpSolicitMaxDelay,
	}, d.sendSolicit)
	d.SolicitTxAlg.Fail = func(s *state.State) error {
		s.Log.Warn("dhcp: solicit exchange failed")
		if parent := PrefParent(s); parent != nil {
			return Get[*Rpl](s).DenyNeighbor(s, parent)
		}
		return nil
	}
	d.renewTimer = state.NewTimer(s.Env, &d.timers, func(s *state.State) error {
		// Rapid commit keeps renewal as a fresh solicit.
		if d.Running {
			d.SolicitTxAlg.Start()
		}
		return nil
	})

	if d.Transport != nil {
		d.Transport.Start(d.Recv)
	}
	return nil
}

func (d *Dhcp) Cleanup(s *state.State) error {
	d.timers.StopAll()
	d.SolicitTxAlg.Stop()
	if d.Transport != nil {
		return d.Transport.Close()
	}
	return nil
}

func (d *Dhcp) Start(s *state.State) {
	if d.Running {
		return
	}
	d.Running = true
	rand.Read(d.txnId[:])
	d.SolicitTxAlg.Start()
}

func (d *Dhcp) Stop(s *state.State) {
	if !d.Running {
		return
	}
	d.Running = false
	d.SolicitTxAlg.Stop()
	d.renewTimer.Stop()
	d.dropLease(s)
}

func (d *Dhcp) dropLease(s *state.State) {
	if !d.Addr.IsValid() {
		return
	}
	if sys := Get[*Routes](s).Sys; sys != nil {
		if err := sys.DelAddr(netip.PrefixFrom(d.Addr, 128)); err != nil {
			s.Log.Warn("dhcp: remove address", "addr", d.Addr, "err", err)
		}
	}
	d.Addr = netip.Addr{}
}

func (d *Dhcp) RelayStart(s *state.State) {
	d.relayRunning = true
}

func (d *Dhcp) RelayStop(s *state.State) {
	d.relayRunning = false
}

func (d *Dhcp) sendSolicit(s *state.State) error {
	parent := PrefParent(s)
	if parent == nil {
		s.Log.Debug("dhcp: solicit postponed, no parent")
		return nil
	}
	msg := &dhcpMsg{MsgType: dhcpMsgSolicit, TxnId: d.txnId}
	msg.addOption(dhcpOptClientId, dhcpClientId(s.EUI64))
	msg.addOption(dhcpOptElapsedTime, []byte{0, 0})
	msg.addOption(dhcpOptIaNa, dhcpIaNa(d.iaid, nil))
	msg.addOption(dhcpOptRapidCommit, nil)
	s.Log.Debug("dhcp: solicit", "via", parent.EUI64)
	return d.Transport.SendClient(parent.LinkLocal, msg)
}

func (d *Dhcp) Recv(s *state.State, src netip.AddrPort, local uint16, msg *dhcpMsg) error {
	if local == dhcpClientPort {
		return d.recvReply(s, msg)
	}
	return d.recvRelaySide(s, src, msg)
}

func (d *Dhcp) recvReply(s *state.State, msg *dhcpMsg) error {
	if !d.Running || msg.MsgType != dhcpMsgReply || msg.TxnId != d.txnId {
		s.Log.Debug("drop dhcp: unexpected reply", "type", msg.MsgType)
		return nil
	}
	if id, ok := msg.option(dhcpOptClientId); !ok {
		return nil
	} else if eui64, err := dhcpEui64FromClientId(id); err != nil || eui64 != s.EUI64 {
		s.Log.Debug("drop dhcp: foreign client id")
		return nil
	}
	if _, ok := msg.option(dhcpOptRapidCommit); !ok {
		s.Log.Debug("drop dhcp: reply without rapid commit")
		return nil
	}
	iaNa, ok := msg.option(dhcpOptIaNa)
	if !ok {
		return nil
	}
	addr, valid, err := dhcpLease(iaNa)
	if err != nil {
		s.Log.Debug("drop dhcp: bad lease", "error", err)
		return nil
	}

	d.SolicitTxAlg.Stop()
	if d.Addr != addr {
		d.dropLease(s)
		d.Addr = addr
		if sys := Get[*Routes](s).Sys; sys != nil {
			if err := sys.AddAddr(netip.PrefixFrom(addr, 128)); err != nil {
				s.Log.Warn("dhcp: add address", "addr", addr, "err", err)
			}
		}
	}
	lease := time.Duration(valid) * time.Second
	d.renewTimer.StartRel(lease / 2)
	s.Log.Info("dhcp: address assigned", "addr", addr, "valid", lease)

	// Registration with the parent can finally proceed; the NA it
	// answers with triggers the DAO.
	if parent := PrefParent(s); parent != nil {
		s.SetNudState(parent, state.NudProbe)
	}
	return nil
}

// recvRelaySide forwards between downstream nodes and the root,
// RFC 8415 19: client messages get wrapped in a Relay-forward toward
// the DODAG id, Relay-replies get unwrapped toward their peer.
func (d *Dhcp) recvRelaySide(s *state.State, src netip.AddrPort, msg *dhcpMsg) error {
	if !d.relayRunning {
		s.Log.Debug("drop dhcp: relay not running", "src", src)
		return nil
	}
	root := Get[*Rpl](s).DodagId
	switch msg.MsgType {
	case dhcpMsgRelayReply:
		inner, ok := msg.option(dhcpOptRelayMsg)
		if !ok {
			return nil
		}
		fwd, err := decodeDhcp(inner)
		if err != nil {
			s.Log.Debug("drop dhcp: bad relay payload", "error", err)
			return nil
		}
		port := uint16(dhcpClientPort)
		if fwd.isRelay() {
			port = dhcpServerPort
		}
		return d.Transport.SendRelay(msg.PeerAddr, port, fwd)

	case dhcpMsgRelayForw:
		if int(msg.Hops) >= state.DhcpRelayHopLimit {
			s.Log.Debug("drop dhcp: hop limit", "src", src)
			return nil
		}
		fwd := *msg
		fwd.Hops++
		return d.Transport.SendRelay(root, dhcpServerPort, &fwd)

	default:
		// A client one hop below us.
		wrapped := &dhcpMsg{
			MsgType:  dhcpMsgRelayForw,
			LinkAddr: d.Addr,
			PeerAddr: src.Addr(),
		}
		wrapped.addOption(dhcpOptRelayMsg, encodeDhcp(msg))
		return d.Transport.SendRelay(root, dhcpServerPort, wrapped)
	}
}
