package core

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"slices"
	"strings"

	"github.com/weftnet/weft/auth"
	"github.com/weftnet/weft/ipc"
	"github.com/weftnet/weft/state"
)

// Ipc exposes the control socket: inspection of the node's state plus
// the few mutating commands the CLI offers. Requests are handled on
// their own goroutines and hop onto the dispatch loop for state access.
type Ipc struct {
	listener net.Listener
}

func (i *Ipc) Init(s *state.State) error {
	if s.Cfg.IpcSocket == "" {
		return nil
	}
	ln, err := ipc.Listen(s.Cfg.IpcSocket)
	if err != nil {
		return err
	}
	i.listener = ln
	go i.acceptLoop(s.Env)
	return nil
}

func (i *Ipc) Cleanup(s *state.State) error {
	if i.listener != nil {
		return i.listener.Close()
	}
	return nil
}

func (i *Ipc) acceptLoop(env *state.Env) {
	for {
		conn, err := i.listener.Accept()
		if err != nil {
			select {
			case <-env.Context.Done():
			default:
				if !errors.Is(err, net.ErrClosed) {
					env.Log.Error("ipc accept", "error", err)
				}
			}
			return
		}
		go handleIpcConn(env, conn)
	}
}

func handleIpcConn(env *state.Env, conn net.Conn) {
	defer conn.Close()
	if err := ipc.CheckPeer(conn); err != nil {
		env.Log.Warn("ipc peer rejected", "error", err)
		return
	}
	r := bufio.NewReader(conn)

	hello, err := r.ReadString('\n')
	if err != nil || hello != "get=weft\n" {
		return
	}
	cmd, err := r.ReadString('\n')
	if err != nil {
		return
	}
	cmd = strings.TrimSuffix(cmd, "\n")

	resp, err := state.DispatchWait(env, func(s *state.State) (string, error) {
		out, err := handleIpcCommand(s, cmd)
		if err != nil {
			// Command errors belong to the client, not the main loop.
			return fmt.Sprintf("error=%s\n", err), nil
		}
		return out, nil
	})
	if err != nil {
		fmt.Fprintf(conn, "error=%s\n\x00", err)
		return
	}
	fmt.Fprintf(conn, "%s\x00", resp)
}

func handleIpcCommand(s *state.State, cmd string) (string, error) {
	name, arg, _ := strings.Cut(cmd, "=")
	switch name {
	case "inspect":
		return inspect(s), nil

	case "join_multicast", "leave_multicast":
		addr, err := netip.ParseAddr(arg)
		if err != nil {
			return "", fmt.Errorf("invalid address %q", arg)
		}
		routes := Get[*Routes](s)
		if name == "join_multicast" {
			err = routes.JoinGroup(addr)
		} else {
			err = routes.LeaveGroup(addr)
		}
		if err != nil {
			return "", err
		}
		return "ok\n", nil

	case "reset_tx_duration":
		s.TxDurationMs = 0
		return "ok\n", nil

	case "revoke_gtks":
		a := Get[*Security](s).Auth
		if a == nil {
			return "", fmt.Errorf("not an authenticator")
		}
		if err := a.RevokeGtks(s, &a.GtkGroup, nil); err != nil {
			return "", err
		}
		if err := a.RevokeGtks(s, &a.LgtkGroup, nil); err != nil {
			return "", err
		}
		return "ok\n", nil

	default:
		return "", fmt.Errorf("unknown command %q", cmd)
	}
}

func inspect(s *state.State) string {
	j := Get[*Join](s)
	rpl := Get[*Rpl](s)
	dhcp := Get[*Dhcp](s)

	sb := strings.Builder{}
	fmt.Fprintf(&sb, "State: %s (%d)\n", j.JState, j.JState.IpcState())
	if s.Pan.PanId != 0xffff {
		fmt.Fprintf(&sb, "PAN: id=0x%04x version=%d size=%d\n",
			s.Pan.PanId, s.Pan.PanVersion, s.Pan.PanSize)
	} else {
		sb.WriteString("PAN: (none)\n")
	}
	if dhcp.Addr.IsValid() {
		fmt.Fprintf(&sb, "Address: %s\n", dhcp.Addr)
	}
	if parent := PrefParent(s); parent != nil {
		fmt.Fprintf(&sb, "Parent: %s rank=%d path_cost=%.0f\n",
			parent.EUI64, parent.Rpl.Rank, rpl.Mrhof.PathCost(parent))
	}
	chanCount := uint16(1)
	if s.Cfg.ChanCount > 0 {
		chanCount = uint16(s.Cfg.ChanCount)
	}
	fmt.Fprintf(&sb, "TxDuration: %dms (duty-cycle level %d)\n",
		s.TxDurationMs, s.Cfg.DutyCycle.Level(s.TxDurationMs, chanCount))

	sb.WriteString("\nNeighbours:\n")
	lines := make([]string, 0, len(s.Neighbors))
	for _, n := range s.Neighbors {
		line := fmt.Sprintf(" - %s etx=%.2f rsl_in=%.1f rsl_out=%.1f nud=%s",
			n.EUI64, n.Etx.Val/128, n.RslInDbm, n.RslOutDbm, n.NudState)
		if n.Rpl != nil {
			line += fmt.Sprintf(" rank=%d", n.Rpl.Rank)
			if n.Rpl.IsParent {
				line += " (parent)"
			}
		}
		lines = append(lines, line)
	}
	slices.Sort(lines)
	sb.WriteString(strings.Join(lines, "\n") + "\n")

	sb.WriteString("\nKeys:\n")
	for idx, gtk := range j.Supp.Gtks {
		if !gtk.Installed() {
			continue
		}
		fmt.Fprintf(&sb, " - %s hash=%x expires=%s\n", auth.GtkName(idx),
			auth.GtkHash(gtk.Key), gtk.ExpirationTimer.Deadline().UTC().Format("2006-01-02 15:04"))
	}
	return sb.String()
}

// Request runs one command against a local daemon and returns its
// response, for the CLI.
func Request(socket, cmd string) (string, error) {
	conn, err := ipc.Dial(socket)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	if _, err = rw.WriteString("get=weft\n" + cmd + "\n"); err != nil {
		return "", err
	}
	if err = rw.Flush(); err != nil {
		return "", err
	}
	res, err := rw.ReadString(0)
	if err != nil && err != io.EOF {
		return "", err
	}
	res = strings.TrimSuffix(res, "\x00")
	if msg, found := strings.CutPrefix(res, "error="); found {
		return "", errors.New(strings.TrimSpace(msg))
	}
	return res, nil
}
