package state

import (
	"fmt"
	"net/netip"
	"strings"
)

// EUI64 is an IEEE 802.15.4 extended address, the primary key of the
// neighbor cache and of all persisted security state.
type EUI64 [8]byte

var BroadcastEUI64 = EUI64{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (e EUI64) IsBroadcast() bool {
	return e == BroadcastEUI64
}

func (e EUI64) String() string {
	var sb strings.Builder
	for i, b := range e {
		if i > 0 {
			sb.WriteByte(':')
		}
		fmt.Fprintf(&sb, "%02x", b)
	}
	return sb.String()
}

func ParseEUI64(s string) (EUI64, error) {
	var e EUI64
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 8 {
		return e, fmt.Errorf("invalid EUI-64 %q: expected 8 colon-separated bytes", s)
	}
	for i, p := range parts {
		var b byte
		if _, err := fmt.Sscanf(p, "%02x", &b); err != nil || len(p) != 2 {
			return e, fmt.Errorf("invalid EUI-64 %q: bad byte %q", s, p)
		}
		e[i] = b
	}
	return e, nil
}

// LinkLocal derives fe80::/64 | IID from the EUI-64, flipping the
// universal/local bit per RFC 4291 appendix A.
func (e EUI64) LinkLocal() netip.Addr {
	var a [16]byte
	a[0] = 0xfe
	a[1] = 0x80
	copy(a[8:], e[:])
	a[8] ^= 0x02
	return netip.AddrFrom16(a)
}

// EUI64FromIID recovers the EUI-64 from an IPv6 interface identifier.
func EUI64FromIID(addr netip.Addr) EUI64 {
	var e EUI64
	a := addr.As16()
	copy(e[:], a[8:])
	e[0] ^= 0x02
	return e
}

func (e EUI64) MarshalYAML() (interface{}, error) {
	return e.String(), nil
}

func (e *EUI64) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParseEUI64(s)
	if err != nil {
		return err
	}
	*e = v
	return nil
}
