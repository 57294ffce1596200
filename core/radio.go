package core

import (
	"github.com/weftnet/weft/auth"
	"github.com/weftnet/weft/state"
)

// PanAdvert is the payload of a PAN Advertisement frame,
// Wi-SUN FAN 1.1v09 6.3.2.3.2.1.1. RslDbm is filled in on reception from
// the radio's signal measurement, not carried on the air.
type PanAdvert struct {
	Source      state.EUI64
	PanId       uint16
	RoutingCost uint16
	PanSize     uint16
	RslDbm      float32
}

// PanConfig is the payload of a PAN Configuration frame,
// Wi-SUN FAN 1.1v09 6.3.2.3.2.1.3.
type PanConfig struct {
	Source     state.EUI64
	PanId      uint16
	PanVersion int
	GtkHashes  [state.GtkCount][8]byte
	RslDbm     float32
}

// Radio abstracts the lower MAC: the RCP in production, a UDP multicast
// group in development, a recording stub in tests. All methods are
// called from the dispatch loop; inbound traffic must be dispatched back
// onto it.
type Radio interface {
	Eui64() state.EUI64

	SendPanAdvert(adv PanAdvert) error
	SendPanAdvertSolicit() error
	SendPanConfig(conf PanConfig) error
	SendPanConfigSolicit(panId uint16) error

	SendEapol(kmp auth.KmpId, dst state.EUI64, buf []byte) error

	// SendData carries a data-plane frame: a raw IPv6 datagram or one
	// 6LoWPAN fragment of it.
	SendData(dst state.EUI64, frame []byte) error

	// SetKey installs key material in MAC key slot keyIndex (1-based).
	// A nil key clears the slot.
	SetKey(keyIndex int, key *[16]byte, frameCounter uint32) error
	SetPanId(panId uint16) error
}
