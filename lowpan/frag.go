// Package lowpan reassembles 6LoWPAN fragmented datagrams (RFC 4944 5.3)
// using the hole algorithm of RFC 815.
package lowpan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/weftnet/weft/perf"
	"github.com/weftnet/weft/state"
)

// ErrPending reports that the datagram is incomplete and more fragments
// are awaited.
var ErrPending = errors.New("reassembly pending")

// RFC 4944 5.1 Dispatch Type and Header, RFC 6282 3.1
const (
	dispatchFrag1    = 0xc0
	dispatchFragN    = 0xe0
	dispatchFragMask = 0xf8
	dispatchIphc     = 0x60
	dispatchIphcMask = 0xe0

	dgramSizeMask = 0x07ff
)

func isFrag1(d uint8) bool { return d&dispatchFragMask == dispatchFrag1 }
func isFragN(d uint8) bool { return d&dispatchFragMask == dispatchFragN }
func isIphc(d uint8) bool  { return d&dispatchIphcMask == dispatchIphc }

// IsFrag reports whether a frame starts with a fragmentation header.
func IsFrag(d uint8) bool { return isFrag1(d) || isFragN(d) }

/*
 *   RFC 815 2. The Algorithm
 * Each hole can be characterized by two numbers, hole.first, the number of
 * the first octet in the hole, and hole.last, the number of the last octet
 * in the hole.
 *
 * NOTE: hole.last is replaced with hole.end (ie. hole.last + 1) to simplify
 * handling of 0 length fragments.
 */
type hole struct {
	first uint16
	end   uint16
}

/*
 *   RFC 4944 5.3. Fragmentation Type and Header
 * The recipient of link fragments SHALL use (1) the sender's 802.15.4
 * source address, (2) the destination's 802.15.4 address, (3)
 * datagram_size, and (4) datagram_tag to identify all the link fragments
 * that belong to a given datagram.
 */
type reasmKey struct {
	src state.EUI64
	dst state.EUI64
	tag uint16
	len uint16
}

type reasm struct {
	key   reasmKey
	holes []hole
	buf   []byte
	timer *state.Timer
}

// Ctx tracks the in-flight reassemblies. At most one context lives per
// (src, dst, tag, len) tuple.
type Ctx struct {
	// Timeout bounds how long a partial datagram is kept.
	Timeout time.Duration

	// Decompress expands the compressed header cluster that follows a
	// first-fragment header. nil keeps the bytes as received.
	Decompress func(frag []byte, src, dst state.EUI64) ([]byte, error)
	// Finish patches the reassembled datagram before it is delivered
	// (payload length fixup after decompression). nil delivers as is.
	Finish func(buf []byte) error

	env    *state.Env
	reasms map[reasmKey]*reasm
	timers state.TimerGroup
}

func NewCtx(env *state.Env) *Ctx {
	return &Ctx{
		Timeout: state.ReasmTimeout,
		env:     env,
		reasms:  make(map[reasmKey]*reasm),
	}
}

func (c *Ctx) get(key reasmKey) *reasm {
	if r, ok := c.reasms[key]; ok {
		return r
	}
	r := &reasm{
		key:   key,
		holes: []hole{{first: 0, end: key.len}},
		buf:   make([]byte, key.len),
	}
	r.timer = state.NewTimer(c.env, &c.timers, func(s *state.State) error {
		if r := c.reasms[key]; r != nil {
			c.expire(s, r)
		}
		return nil
	})
	r.timer.StartRel(c.Timeout)
	c.reasms[key] = r
	c.env.Log.Debug("6lowpan reasm new", "src", key.src, "tag", fmt.Sprintf("0x%04x", key.tag), "len", key.len)
	return r
}

func (c *Ctx) del(r *reasm) {
	c.timers.Remove(r.timer)
	delete(c.reasms, r.key)
}

func (c *Ctx) expire(s *state.State, r *reasm) {
	missing := 0
	for _, h := range r.holes {
		missing += int(h.end - h.first)
	}
	s.Log.Debug("6lowpan reasm drop", "src", r.key.src,
		"tag", fmt.Sprintf("0x%04x", r.key.tag),
		"filled", int(r.key.len)-missing, "len", r.key.len)
	perf.FragmentsExpired.Add(1)
	c.del(r)
}

// RFC 815 3. Fragment Processing Algorithm: drop every hole the fragment
// overlaps and put back the uncovered ends.
func (r *reasm) update(frag []byte, offset uint8) error {
	first := uint16(offset) * 8
	end := first + uint16(len(frag))

	if int(first)+len(frag) > int(r.key.len) {
		return fmt.Errorf("fragment past datagram end")
	}
	/*
	 *   RFC 4944 5.3. Fragmentation Type and Header
	 * [...] all link fragments for a datagram except the last on MUST be
	 * multiples of eight bytes in length.
	 */
	if end != r.key.len && len(frag)%8 != 0 {
		return fmt.Errorf("non-terminal fragment not a multiple of 8")
	}

	holes := r.holes[:0:0]
	for _, h := range r.holes {
		if first >= h.end || end <= h.first {
			holes = append(holes, h)
			continue
		}
		if first > h.first {
			holes = append(holes, hole{first: h.first, end: first})
		}
		if end < h.end {
			holes = append(holes, hole{first: end, end: h.end})
		}
	}
	r.holes = holes
	copy(r.buf[first:], frag)
	return nil
}

// Recv consumes one frame starting at its fragmentation header. It
// returns the whole datagram once the last missing piece arrives,
// ErrPending while fragments are still awaited, and any other error for
// frames that had to be dropped.
func (c *Ctx) Recv(frame []byte, src, dst state.EUI64) ([]byte, error) {
	if len(frame) < 4 {
		return nil, fmt.Errorf("truncated fragment header")
	}
	dispatch := frame[0]
	dgramLen := binary.BigEndian.Uint16(frame[0:2]) & dgramSizeMask
	tag := binary.BigEndian.Uint16(frame[2:4])
	var offset uint8
	payload := frame[4:]
	if !isFrag1(dispatch) {
		if !isFragN(dispatch) {
			return nil, fmt.Errorf("not a fragment dispatch: 0x%02x", dispatch)
		}
		if len(frame) < 5 {
			return nil, fmt.Errorf("truncated fragment header")
		}
		offset = frame[4]
		payload = frame[5:]
	}

	r := c.get(reasmKey{src: src, dst: dst, tag: tag, len: dgramLen})

	/*
	 *   RFC 6282 2. Specific Updates to RFC 4944
	 * When using the fragmentation mechanism described in Section 5.3 of
	 * [RFC4944], any header that cannot fit within the first fragment MUST
	 * NOT be compressed.
	 */
	if isFrag1(dispatch) {
		if len(payload) < 1 {
			return nil, fmt.Errorf("empty first fragment")
		}
		if !isIphc(payload[0]) {
			return nil, fmt.Errorf("unsupported dispatch after frag1: 0x%02x", payload[0])
		}
		if c.Decompress != nil {
			var err error
			payload, err = c.Decompress(payload, src, dst)
			if err != nil {
				return nil, err
			}
		}
	}

	if err := r.update(payload, offset); err != nil {
		return nil, err
	}
	if len(r.holes) > 0 {
		return nil, ErrPending
	}

	c.env.Log.Debug("6lowpan reasm done", "src", src, "tag", fmt.Sprintf("0x%04x", tag), "len", dgramLen)
	perf.FramesReassembled.Add(1)
	buf := r.buf
	c.del(r)
	if c.Finish != nil {
		if err := c.Finish(buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// MaxDatagram is the largest datagram the 11-bit size field of the
// fragmentation header can describe.
const MaxDatagram = dgramSizeMask

// Fragment splits a datagram into FRAG1/FRAGN frames of at most mtu
// bytes each. Every fragment but the last carries a multiple of eight
// payload bytes, as RFC 4944 5.3 requires of the receiver.
func Fragment(buf []byte, tag uint16, mtu int) ([][]byte, error) {
	if len(buf) > MaxDatagram {
		return nil, fmt.Errorf("datagram too large for fragmentation: %d", len(buf))
	}
	if mtu < 5+8 {
		return nil, fmt.Errorf("mtu %d leaves no room for a fragment", mtu)
	}
	chunk := min((mtu-4)&^7, len(buf))
	frag := make([]byte, 4+chunk)
	binary.BigEndian.PutUint16(frag[0:2], uint16(dispatchFrag1)<<8|uint16(len(buf)))
	binary.BigEndian.PutUint16(frag[2:4], tag)
	copy(frag[4:], buf[:chunk])
	frags := [][]byte{frag}

	for off := chunk; off < len(buf); off += chunk {
		chunk = min((mtu-5)&^7, len(buf)-off)
		frag := make([]byte, 5+chunk)
		binary.BigEndian.PutUint16(frag[0:2], uint16(dispatchFragN)<<8|uint16(len(buf)))
		binary.BigEndian.PutUint16(frag[2:4], tag)
		frag[4] = uint8(off / 8)
		copy(frag[5:], buf[off:off+chunk])
		frags = append(frags, frag)
	}
	return frags, nil
}

// Clear drops every in-flight reassembly.
func (c *Ctx) Clear() {
	c.timers.StopAll()
	clear(c.reasms)
}
