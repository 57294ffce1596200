package core

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/weftnet/weft/state"
)

// udpDhcp binds the DHCPv6 client and server ports on one interface and
// re-dispatches inbound messages, mirroring the raw ICMPv6 transports.
type udpDhcp struct {
	env     *state.Env
	ifi     *net.Interface
	client  *net.UDPConn
	relay   *net.UDPConn
	handler DhcpHandler
	done    chan struct{}
}

func NewDhcpTransport(env *state.Env, ifName string) (DhcpTransport, error) {
	ifi, err := net.InterfaceByName(ifName)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", ifName, err)
	}
	client, err := net.ListenUDP("udp6", &net.UDPAddr{Port: dhcpClientPort})
	if err != nil {
		return nil, fmt.Errorf("dhcp client listen: %w", err)
	}
	relay, err := net.ListenUDP("udp6", &net.UDPAddr{Port: dhcpServerPort})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("dhcp relay listen: %w", err)
	}
	return &udpDhcp{
		env:    env,
		ifi:    ifi,
		client: client,
		relay:  relay,
		done:   make(chan struct{}, 2),
	}, nil
}

func (t *udpDhcp) Start(handler DhcpHandler) {
	t.handler = handler
	go t.readLoop(t.client, dhcpClientPort)
	go t.readLoop(t.relay, dhcpServerPort)
}

func (t *udpDhcp) readLoop(conn *net.UDPConn, local uint16) {
	defer func() { t.done <- struct{}{} }()
	buf := make([]byte, 1500)
	for {
		n, src, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-t.env.Context.Done():
			default:
				t.env.Log.Error("dhcp read", "error", err)
			}
			return
		}
		msg, err := decodeDhcp(buf[:n])
		if err != nil {
			t.env.Log.Debug("drop dhcp: malformed", "src", src, "error", err)
			continue
		}
		src = netip.AddrPortFrom(src.Addr().Unmap().WithZone(""), src.Port())
		select {
		case t.env.DispatchChannel <- func(s *state.State) error {
			return t.handler(s, src, local, msg)
		}:
		case <-t.env.Context.Done():
			return
		}
	}
}

func (t *udpDhcp) SendClient(dst netip.Addr, msg *dhcpMsg) error {
	return t.send(t.client, dst, dhcpServerPort, msg)
}

func (t *udpDhcp) SendRelay(dst netip.Addr, port uint16, msg *dhcpMsg) error {
	return t.send(t.relay, dst, port, msg)
}

func (t *udpDhcp) send(conn *net.UDPConn, dst netip.Addr, port uint16, msg *dhcpMsg) error {
	if dst.IsLinkLocalUnicast() {
		dst = dst.WithZone(t.ifi.Name)
	}
	_, err := conn.WriteToUDPAddrPort(encodeDhcp(msg), netip.AddrPortFrom(dst, port))
	if err != nil {
		return fmt.Errorf("dhcp send type %d to %s: %w", msg.MsgType, dst, err)
	}
	return nil
}

func (t *udpDhcp) Close() error {
	err := t.client.Close()
	if err2 := t.relay.Close(); err == nil {
		err = err2
	}
	if t.handler != nil {
		<-t.done
		<-t.done
	}
	return err
}
