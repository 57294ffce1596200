package ndp

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/weftnet/weft/state"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"
)

// Handler receives decoded neighbor discovery messages on the dispatch
// goroutine.
type Handler func(s *state.State, src netip.Addr, msg Message) error

// Transport is a raw ICMPv6 socket bound to one interface, restricted
// to neighbor solicitations and advertisements. Reads happen on a
// dedicated goroutine and are re-dispatched; everything else runs on
// the dispatch goroutine.
type Transport struct {
	env     *state.Env
	ifi     *net.Interface
	conn    *icmp.PacketConn
	pc      *ipv6.PacketConn
	handler Handler
	done    chan struct{}
}

func NewTransport(env *state.Env, ifName string) (*Transport, error) {
	ifi, err := net.InterfaceByName(ifName)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", ifName, err)
	}
	conn, err := icmp.ListenPacket("ip6:ipv6-icmp", "::")
	if err != nil {
		return nil, fmt.Errorf("icmpv6 listen: %w", err)
	}
	t := &Transport{
		env:  env,
		ifi:  ifi,
		conn: conn,
		pc:   conn.IPv6PacketConn(),
		done: make(chan struct{}),
	}

	var f ipv6.ICMPFilter
	f.SetAll(true)
	f.Accept(ipv6.ICMPType(TypeNeighborSolicit))
	f.Accept(ipv6.ICMPType(TypeNeighborAdvert))
	if err = t.pc.SetICMPFilter(&f); err != nil {
		t.conn.Close()
		return nil, fmt.Errorf("icmpv6 filter: %w", err)
	}
	// RFC 4861 7.1: neighbor discovery travels with hop limit 255 and
	// anything received with less has been forwarded.
	if err = t.pc.SetHopLimit(255); err != nil {
		t.conn.Close()
		return nil, err
	}
	if err = t.pc.SetMulticastHopLimit(255); err != nil {
		t.conn.Close()
		return nil, err
	}
	if err = t.pc.SetControlMessage(ipv6.FlagHopLimit|ipv6.FlagDst, true); err != nil {
		t.conn.Close()
		return nil, err
	}
	return t, nil
}

// Start spawns the read loop. The handler runs on the dispatch
// goroutine.
func (t *Transport) Start(handler Handler) {
	t.handler = handler
	go t.readLoop()
}

func (t *Transport) readLoop() {
	defer close(t.done)
	buf := make([]byte, 1500)
	for {
		n, cm, src, err := t.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.env.Context.Done():
			default:
				t.env.Log.Error("ndp read", "error", err)
			}
			return
		}
		if cm != nil && cm.HopLimit != 255 {
			t.env.Log.Debug("drop ndp: hop limit", "src", src, "hoplimit", cm.HopLimit)
			continue
		}
		if n < 4 {
			continue
		}
		msg, err := Decode(buf[0], buf[4:n])
		if err != nil {
			t.env.Log.Debug("drop ndp: malformed", "src", src, "error", err)
			continue
		}
		srcAddr, ok := addrOf(src)
		if !ok {
			continue
		}
		select {
		case t.env.DispatchChannel <- func(s *state.State) error {
			return t.handler(s, srcAddr, msg)
		}:
		case <-t.env.Context.Done():
			return
		}
	}
}

// Send serializes and transmits one message. The kernel fills in the
// ICMPv6 checksum and picks the source address.
func (t *Transport) Send(dst netip.Addr, m Message) error {
	return t.SendFrom(netip.Addr{}, dst, m)
}

// SendFrom transmits with an explicit source address. Address
// registrations carry the registered address as the IPv6 source,
// RFC 6775 5.5.1.
func (t *Transport) SendFrom(src, dst netip.Addr, m Message) error {
	cm := &ipv6.ControlMessage{HopLimit: 255, IfIndex: t.ifi.Index}
	if src.IsValid() {
		cm.Src = src.AsSlice()
	}
	addr := &net.IPAddr{IP: dst.AsSlice()}
	if dst.IsLinkLocalUnicast() || dst.IsLinkLocalMulticast() {
		addr.Zone = t.ifi.Name
	}
	buf := append([]byte{m.Type(), 0, 0, 0}, Encode(m)...)
	_, err := t.pc.WriteTo(buf, cm, addr)
	if err != nil {
		return fmt.Errorf("ndp send type %d to %s: %w", m.Type(), dst, err)
	}
	return nil
}

func (t *Transport) Close() error {
	err := t.conn.Close()
	if t.handler != nil {
		<-t.done
	}
	return err
}

func addrOf(a net.Addr) (netip.Addr, bool) {
	ip, ok := a.(*net.IPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(ip.IP)
	return addr.Unmap(), ok
}
