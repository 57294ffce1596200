package core

import (
	"net/netip"
	"time"

	"github.com/weftnet/weft/ndp"
	"github.com/weftnet/weft/state"
)

// NdpTransport abstracts the raw ICMPv6 socket so tests can capture
// frames.
type NdpTransport interface {
	Start(handler ndp.Handler)
	Send(dst netip.Addr, m ndp.Message) error
	SendFrom(src, dst netip.Addr, m ndp.Message) error
	Close() error
}

// Ndp owns neighbor discovery: unicast reachability probes for NUD and
// the RFC 6775 address registration exchange with the preferred parent
// and, in the other direction, with our children.
type Ndp struct {
	Transport NdpTransport
}

func (nd *Ndp) Init(s *state.State) error {
	s.Nud.Probe = func(s *state.State, n *state.Neighbor) error {
		// Probing the preferred parent doubles as the address
		// registration refresh; the solicited NA confirms both.
		if n.Rpl != nil && n.Rpl.IsParent {
			return nd.SendNs(s, n, state.AroLifetime)
		}
		return nd.sendProbe(s, n)
	}
	s.OnNeighRemove = func(s *state.State, n *state.Neighbor) {
		if n.GUA.IsValid() {
			Get[*Routes](s).DelHostRoute(s, n.GUA)
		}
	}
	if nd.Transport != nil {
		nd.Transport.Start(nd.Recv)
	}
	return nil
}

func (nd *Ndp) Cleanup(s *state.State) error {
	if nd.Transport != nil {
		return nd.Transport.Close()
	}
	return nil
}

// SendNs registers our global address with n, or deregisters it when
// lifetime is zero. Without an address yet it degrades to a plain
// reachability probe.
func (nd *Ndp) SendNs(s *state.State, n *state.Neighbor, lifetime time.Duration) error {
	addr := Get[*Dhcp](s).Addr
	if !addr.IsValid() {
		return nd.sendProbe(s, n)
	}
	units := uint16((lifetime + time.Minute - 1) / time.Minute)
	s.Log.Debug("ndp: register", "eui64", n.EUI64, "addr", addr, "lifetime", lifetime)
	return nd.Transport.SendFrom(addr, n.LinkLocal, &ndp.Ns{
		Target: n.LinkLocal,
		Lladdr: &s.EUI64,
		Aro: &ndp.Aro{
			Lifetime: units,
			Eui64:    s.EUI64,
		},
	})
}

func (nd *Ndp) sendProbe(s *state.State, n *state.Neighbor) error {
	return nd.Transport.Send(n.LinkLocal, &ndp.Ns{
		Target: n.LinkLocal,
		Lladdr: &s.EUI64,
	})
}

func (nd *Ndp) Recv(s *state.State, src netip.Addr, msg ndp.Message) error {
	switch m := msg.(type) {
	case *ndp.Ns:
		return nd.recvNs(s, src, m)
	case *ndp.Na:
		return nd.recvNa(s, src, m)
	}
	return nil
}

// recvNs answers reachability probes and, when an ARO is present,
// registers the child: the source address of the solicitation is the
// address being registered, RFC 6775 5.5.1.
func (nd *Ndp) recvNs(s *state.State, src netip.Addr, m *ndp.Ns) error {
	if m.Aro == nil {
		eui64 := m.Lladdr
		if eui64 == nil && src.IsLinkLocalUnicast() {
			e := state.EUI64FromIID(src)
			eui64 = &e
		}
		if eui64 != nil {
			if n := s.GetNeighbor(*eui64); n != nil {
				n.Refresh()
			}
		}
		return nd.Transport.Send(src, &ndp.Na{
			Router:    true,
			Solicited: true,
			Override:  true,
			Target:    m.Target,
			Lladdr:    &s.EUI64,
		})
	}

	if s.Cfg.MacFiltered(m.Aro.Eui64) {
		s.Log.Debug("drop ns: filtered", "eui64", m.Aro.Eui64)
		return nil
	}
	n := s.AddNeighbor(m.Aro.Eui64)
	if m.Aro.Lifetime == 0 {
		s.Log.Info("ndp: child deregistered", "eui64", n.EUI64, "addr", src)
		if n.GUA.IsValid() {
			Get[*Routes](s).DelHostRoute(s, n.GUA)
			n.GUA = netip.Addr{}
		}
	} else {
		s.Log.Info("ndp: child registered", "eui64", n.EUI64,
			"addr", src, "lifetime", m.Aro.Lifetime)
		if n.GUA.IsValid() && n.GUA != src {
			Get[*Routes](s).DelHostRoute(s, n.GUA)
		}
		n.GUA = src
		n.Refresh()
		Get[*Routes](s).AddHostRoute(s, src, n.LinkLocal)
	}
	aro := *m.Aro
	aro.Status = ndp.AroSuccess
	return nd.Transport.Send(src, &ndp.Na{
		Router:    true,
		Solicited: true,
		Override:  true,
		Target:    m.Target,
		Lladdr:    &s.EUI64,
		Aro:       &aro,
	})
}

// recvNa confirms reachability and feeds registration outcomes back
// into routing.
func (nd *Ndp) recvNa(s *state.State, src netip.Addr, m *ndp.Na) error {
	var n *state.Neighbor
	if m.Lladdr != nil {
		n = s.GetNeighbor(*m.Lladdr)
	}
	if n == nil && src.IsLinkLocalUnicast() {
		n = s.GetNeighbor(state.EUI64FromIID(src))
	}
	if n == nil {
		s.Log.Debug("drop na: unknown neighbor", "src", src)
		return nil
	}
	if m.Solicited {
		s.SetNudState(n, state.NudReachable)
	}
	n.Refresh()
	if m.Aro != nil {
		return Get[*Rpl](s).AroConfirm(s, n, m.Aro.Status)
	}
	return nil
}
