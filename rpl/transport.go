package rpl

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/weftnet/weft/state"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"
)

// ICMPv6 type of the RPL Control message, RFC 6550 6.
const icmpTypeRplControl = 155

// AllRplNodes is the link-local multicast group every RPL router
// listens on, RFC 6550 6.
var AllRplNodes = netip.MustParseAddr("ff02::1a")

// Handler receives decoded control messages on the dispatch goroutine.
type Handler func(s *state.State, src netip.Addr, msg Message) error

// Transport is a raw ICMPv6 socket bound to one interface, restricted
// to RPL Control messages. Reads happen on a dedicated goroutine and
// are re-dispatched; everything else runs on the dispatch goroutine.
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
	f.Accept(ipv6.ICMPType(icmpTypeRplControl))
	if err = t.pc.SetICMPFilter(&f); err != nil {
		t.conn.Close()
		return nil, fmt.Errorf("icmpv6 filter: %w", err)
	}
	// RFC 6550 6.1: link-local control messages travel with hop limit
	// 255 and anything received with less has been forwarded.
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
	if err = t.pc.JoinGroup(ifi, &net.IPAddr{IP: AllRplNodes.AsSlice()}); err != nil {
		t.conn.Close()
		return nil, fmt.Errorf("join %s: %w", AllRplNodes, err)
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
				t.env.Log.Error("rpl read", "error", err)
			}
			return
		}
		if cm != nil && cm.HopLimit != 255 {
			t.env.Log.Debug("drop rpl: hop limit", "src", src, "hoplimit", cm.HopLimit)
			continue
		}
		msg, err := Decode(buf[:n])
		if err != nil {
			t.env.Log.Debug("drop rpl: malformed", "src", src, "error", err)
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

// Send serializes and transmits one control message. The kernel fills
// in the ICMPv6 checksum.
func (t *Transport) Send(dst netip.Addr, m Message) error {
	cm := &ipv6.ControlMessage{HopLimit: 255, IfIndex: t.ifi.Index}
	addr := &net.IPAddr{IP: dst.AsSlice()}
	if dst.IsLinkLocalUnicast() || dst.IsLinkLocalMulticast() {
		addr.Zone = t.ifi.Name
	}
	_, err := t.pc.WriteTo(Encode(m), cm, addr)
	if err != nil {
		return fmt.Errorf("rpl send %s to %s: %w", codeName(m.Code()), dst, err)
	}
	return nil
}

// SendMulticast transmits to all RPL nodes on the link.
func (t *Transport) SendMulticast(m Message) error {
	return t.Send(AllRplNodes, m)
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

func codeName(code uint8) string {
	switch code {
	case CodeDis:
		return "dis"
	case CodeDio:
		return "dio"
	case CodeDao:
		return "dao"
	case CodeDaoAck:
		return "dao-ack"
	default:
		return fmt.Sprintf("code-%d", code)
	}
}
