package core

import (
	"reflect"

	"github.com/weftnet/weft/state"
)

func Get[T state.Module](s *state.State) T {
	t := reflect.TypeFor[T]()
	return s.Modules[t.String()].(T)
}

// RFC 6550 7.2. Sequence Counter Operation. Counters start in the
// straight part of the lollipop (240..255) and wrap into the circular
// part (0..239).
func lollipopInc(v uint8) uint8 {
	if v == 255 || v == 239 {
		return 0
	}
	return v + 1
}

// lollipopDesynced reports whether b is not a plausible successor of a,
// i.e. the peer restarted its counter.
func lollipopDesynced(a, b uint8) bool {
	if a >= 240 || b >= 240 {
		return a != b
	}
	diff := int(b) - int(a)
	if diff < 0 {
		diff += 240
	}
	return diff > 120
}

func add16sat(a, b uint16) uint16 {
	sum := uint32(a) + uint32(b)
	if sum > 0xffff {
		return 0xffff
	}
	return uint16(sum)
}
