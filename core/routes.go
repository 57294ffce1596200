package core

import (
	"fmt"
	"net/netip"

	"github.com/gaissmai/bart"
	"github.com/weftnet/weft/state"
)

// RouteSys mirrors route and address changes into the host network
// stack. Nil disables mirroring (tests, dry runs).
type RouteSys interface {
	AddAddr(p netip.Prefix) error
	DelAddr(p netip.Prefix) error
	ReplaceDefault(via netip.Addr) error
	DelDefault() error
	AddHost(dst, via netip.Addr) error
	DelHost(dst netip.Addr) error
}

// Routes owns the node's forwarding view: the default route through the
// preferred parent, host routes for registered children, and the
// multicast group memberships. The longest-prefix table answers the
// data-plane lookups; RouteSys keeps the kernel in sync.
type Routes struct {
	Sys RouteSys

	// next hop (link-local) per destination prefix
	Table bart.Table[netip.Addr]

	Groups map[netip.Addr]bool

	defaultSet bool
}

var wellKnownGroups = []netip.Addr{
	netip.MustParseAddr("ff02::1"),
	netip.MustParseAddr("ff02::2"),
	netip.MustParseAddr("ff02::1a"),
	netip.MustParseAddr("ff03::1"),
	netip.MustParseAddr("ff03::2"),
	netip.MustParseAddr("ff03::fc"),
}

func (r *Routes) Init(s *state.State) error {
	r.Table = bart.Table[netip.Addr]{}
	r.Groups = make(map[netip.Addr]bool)
	for _, g := range wellKnownGroups {
		r.Groups[g] = true
	}
	return nil
}

func (r *Routes) Cleanup(s *state.State) error {
	if r.defaultSet && r.Sys != nil {
		return r.Sys.DelDefault()
	}
	return nil
}

// SetDefaultRoute points all upward traffic at the parent.
func (r *Routes) SetDefaultRoute(s *state.State, via netip.Addr) {
	r.Table.Insert(netip.PrefixFrom(netip.IPv6Unspecified(), 0), via)
	r.defaultSet = true
	if r.Sys != nil {
		if err := r.Sys.ReplaceDefault(via); err != nil {
			s.Log.Warn("route: set default", "via", via, "err", err)
		}
	}
	s.Log.Debug("route: default", "via", via)
}

func (r *Routes) ClearDefaultRoute(s *state.State) {
	if !r.defaultSet {
		return
	}
	r.Table.Delete(netip.PrefixFrom(netip.IPv6Unspecified(), 0))
	r.defaultSet = false
	if r.Sys != nil {
		if err := r.Sys.DelDefault(); err != nil {
			s.Log.Warn("route: clear default", "err", err)
		}
	}
	s.Log.Debug("route: default cleared")
}

// AddHostRoute installs a /128 toward a registered child.
func (r *Routes) AddHostRoute(s *state.State, dst, via netip.Addr) {
	r.Table.Insert(netip.PrefixFrom(dst, 128), via)
	if r.Sys != nil {
		if err := r.Sys.AddHost(dst, via); err != nil {
			s.Log.Warn("route: add host", "dst", dst, "err", err)
		}
	}
	s.Log.Debug("route: host", "dst", dst, "via", via)
}

func (r *Routes) DelHostRoute(s *state.State, dst netip.Addr) {
	r.Table.Delete(netip.PrefixFrom(dst, 128))
	if r.Sys != nil {
		if err := r.Sys.DelHost(dst); err != nil {
			s.Log.Warn("route: del host", "dst", dst, "err", err)
		}
	}
}

// Lookup resolves the next hop for dst.
func (r *Routes) Lookup(dst netip.Addr) (netip.Addr, bool) {
	return r.Table.Lookup(dst)
}

// JoinGroup subscribes to a multicast group on behalf of the IPC
// client. Only IPv6 multicast addresses qualify.
func (r *Routes) JoinGroup(addr netip.Addr) error {
	if !addr.Is6() || !addr.IsMulticast() {
		return fmt.Errorf("invalid multicast group %s", addr)
	}
	r.Groups[addr] = true
	return nil
}

func (r *Routes) LeaveGroup(addr netip.Addr) error {
	if !addr.Is6() || !addr.IsMulticast() {
		return fmt.Errorf("invalid multicast group %s", addr)
	}
	if !r.Groups[addr] {
		return fmt.Errorf("not a member of %s", addr)
	}
	delete(r.Groups, addr)
	return nil
}
