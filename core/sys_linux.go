//go:build linux

package core

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// netlinkSys applies route and address changes to a network interface
// through rtnetlink.
type netlinkSys struct {
	link netlink.Link
}

// NewRouteSys opens the mesh interface for route mirroring and brings
// it up.
func NewRouteSys(ifName string) (RouteSys, error) {
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", ifName, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return nil, fmt.Errorf("interface %s: %w", ifName, err)
	}
	return &netlinkSys{link: link}, nil
}

func ipNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), 128),
	}
}

func (n *netlinkSys) AddAddr(p netip.Prefix) error {
	return netlink.AddrReplace(n.link, &netlink.Addr{IPNet: ipNet(p)})
}

func (n *netlinkSys) DelAddr(p netip.Prefix) error {
	return netlink.AddrDel(n.link, &netlink.Addr{IPNet: ipNet(p)})
}

func (n *netlinkSys) ReplaceDefault(via netip.Addr) error {
	return netlink.RouteReplace(&netlink.Route{
		LinkIndex: n.link.Attrs().Index,
		Dst:       ipNet(netip.PrefixFrom(netip.IPv6Unspecified(), 0)),
		Gw:        via.AsSlice(),
	})
}

func (n *netlinkSys) DelDefault() error {
	return netlink.RouteDel(&netlink.Route{
		LinkIndex: n.link.Attrs().Index,
		Dst:       ipNet(netip.PrefixFrom(netip.IPv6Unspecified(), 0)),
	})
}

func (n *netlinkSys) AddHost(dst, via netip.Addr) error {
	return netlink.RouteReplace(&netlink.Route{
		LinkIndex: n.link.Attrs().Index,
		Dst:       ipNet(netip.PrefixFrom(dst, 128)),
		Gw:        via.AsSlice(),
	})
}

func (n *netlinkSys) DelHost(dst netip.Addr) error {
	return netlink.RouteDel(&netlink.Route{
		LinkIndex: n.link.Attrs().Index,
		Dst:       ipNet(netip.PrefixFrom(dst, 128)),
	})
}
