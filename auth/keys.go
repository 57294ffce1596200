// Package auth carries the security state of the node: the group key
// lifecycle on the authenticator side, the supplicant key exchange on
// the node side, and the EAPOL plumbing between them. The EAP-TLS
// handshake itself is a collaborator behind an interface; this package
// owns key slots, schedules and persistence.
package auth

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/weftnet/weft/state"
)

// Gtk is one group key slot. Liveness is tracked through the expiration
// timer: an installed slot always has a running timer, even when its
// lifetime is infinite.
type Gtk struct {
	Key          [16]byte
	FrameCounter uint32

	ExpirationTimer *state.Timer
}

func (g *Gtk) Installed() bool {
	return !g.ExpirationTimer.Stopped()
}

func (g *Gtk) Clear() {
	g.ExpirationTimer.Stop()
	g.Key = [16]byte{}
	g.FrameCounter = 0
}

// GtkName names a slot for logs and storage: gtk[0..3], lgtk[0..3].
func GtkName(slot int) string {
	if slot < state.GtkCount {
		return fmt.Sprintf("gtk[%d]", slot)
	}
	return fmt.Sprintf("lgtk[%d]", slot-state.GtkCount)
}

// Wi-SUN FAN 1.1v09 6.3.1.1: GAK = Truncate-128(SHA-256(Network Name || GTK))
func GenerateGak(netname string, gtk [16]byte) [16]byte {
	h := sha256.New()
	h.Write([]byte(netname))
	h.Write(gtk[:])
	return [16]byte(h.Sum(nil)[:16])
}

// GtkHash computes the truncated digest advertised in the PAN
// Configuration GTKHASH information element.
func GtkHash(gtk [16]byte) [8]byte {
	sum := sha256.Sum256(gtk[:])
	return [8]byte(sum[:8])
}

// Pmk is the pairwise master key from the EAP-TLS exchange.
type Pmk struct {
	Key           [32]byte
	ReplayCounter uint64
	// Zero means not installed.
	InstalledAt time.Time
}

func (p *Pmk) Installed() bool {
	return !p.InstalledAt.IsZero()
}

func (p *Pmk) Valid(now time.Time, lifetime time.Duration) bool {
	return p.Installed() && now.Before(p.InstalledAt.Add(lifetime))
}

func (p *Pmk) Clear() {
	*p = Pmk{}
}

// Ptk is the pairwise transient key derived by the 4-way handshake:
// KCK || KEK || TK per IEEE 802.11 AKM suite 1.
type Ptk struct {
	Key         [48]byte
	InstalledAt time.Time
}

func (p *Ptk) Installed() bool {
	return !p.InstalledAt.IsZero()
}

func (p *Ptk) Valid(now time.Time, lifetime time.Duration) bool {
	return p.Installed() && now.Before(p.InstalledAt.Add(lifetime))
}

func (p *Ptk) Clear() {
	*p = Ptk{}
}

// Tk is the temporal key slice securing MAC frames.
func (p *Ptk) Tk() []byte {
	return p.Key[32:48]
}

// Wi-SUN FAN 1.1v09 6.3.2.3.1.2.2 Node Role KDE
const (
	NodeRoleBr  = 0
	NodeRoleFfn = 1
	NodeRoleLfn = 2
)
