package state

import (
	"math"
	"time"
)

// ewma folds val into cur with smoothing factor sf. A NaN current value
// adopts val outright.
func ewma(cur, val, sf float32) float32 {
	if math.IsNaN(float64(cur)) {
		return val
	}
	return sf*(val-cur) + cur
}

const EtxMax = 1024

// EtxCtx holds the table-wide ETX tuning and observers. The join logic
// relaxes the parameters while collecting the first measurements of a
// fresh PAN and restores the defaults afterwards.
type EtxCtx struct {
	// OnOutdated should initiate some traffic so ETX can be measured.
	OnOutdated func(s *State, n *Neighbor) error
	// OnUpdate runs after the estimate changed, to refresh RPL parents.
	OnUpdate func(s *State, n *Neighbor) error

	// Transmissions required before an epoch may run, minimum spacing
	// between epochs, and the staleness bound.
	UpdateMinTxReq int
	UpdateMinDelay time.Duration
	RefreshPeriod  time.Duration
}

func (c *EtxCtx) SetDefaultParams() {
	c.UpdateMinTxReq = EtxUpdateMinTxReq
	c.UpdateMinDelay = EtxUpdateMinDelay
	c.RefreshPeriod = EtxRefreshPeriod
}

// Etx is the per-neighbor transmission bookkeeping behind the estimate,
// Wi-SUN FAN 1v33 6.2.3.1.6.1 Link Metrics.
type Etx struct {
	// NaN until the first calculation epoch.
	Val float32

	txCnt    int
	ackCnt   int
	txReqCnt int
	// epochs run so far, capped at 8; the EWMA weight is 1/computeCnt
	computeCnt int

	timerCompute  *Timer
	timerOutdated *Timer
}

func (e *Etx) init(env *Env, group *TimerGroup, eui64 EUI64) {
	e.Val = float32(math.NaN())
	e.timerCompute = NewTimer(env, group, func(s *State) error {
		if n := s.Neighbors[eui64]; n != nil {
			return s.etxCompute(n)
		}
		return nil
	})
	e.timerOutdated = NewTimer(env, group, func(s *State) error {
		if n := s.Neighbors[eui64]; n != nil && s.Etx.OnOutdated != nil {
			return s.Etx.OnOutdated(s, n)
		}
		return nil
	})
}

// Reset drops the estimate and all pending bookkeeping, e.g. when the
// whole PAN is abandoned.
func (e *Etx) Reset() {
	e.timerCompute.Stop()
	e.timerOutdated.Stop()
	e.Val = float32(math.NaN())
	e.txCnt = 0
	e.ackCnt = 0
	e.txReqCnt = 0
	e.computeCnt = 0
}

// EtxUpdate feeds one MAC transmission confirmation into the estimate.
// The calculation itself is deferred onto the compute timer so the
// confirmed frame finishes its trip through the higher layers first.
func (s *State) EtxUpdate(n *Neighbor, txCount int, acked bool) {
	e := &n.Etx
	e.txReqCnt++
	e.txCnt += txCount
	if acked {
		e.ackCnt++
	}
	if e.timerCompute.Stopped() {
		e.timerCompute.StartRel(0)
	}
}

// Wi-SUN FAN 1v33 6.2.3.1.6.1 Link Metrics
func (s *State) etxCompute(n *Neighbor) error {
	e := &n.Etx

	/*
	 * The calculation epoch requires both enough transmissions since the
	 * last epoch and enough elapsed time (the compute timer itself). At
	 * node start up a single transmission attempt triggers the epoch to
	 * speed boot time.
	 */
	if !(e.txReqCnt >= s.Etx.UpdateMinTxReq || math.IsNaN(float64(e.Val))) {
		// Probe right now until we reach the N necessary measurements
		if e.timerOutdated.Stopped() && s.Etx.OnOutdated != nil {
			return s.Etx.OnOutdated(s, n)
		}
		return nil
	}

	/*
	 * ETX MUST be calculated as
	 *   (frame transmission attempts)/(received frame acknowledgements) * 128
	 * with a maximum value of 1024, where 0 received frame acknowledgments
	 * sets ETX to the maximum value.
	 */
	var etx float32
	if e.ackCnt > 0 {
		etx = min(float32(e.txCnt)/float32(e.ackCnt)*128, EtxMax)
	} else {
		etx = EtxMax
	}

	// Less weight on the first few calculations so the estimate
	// converges faster.
	if e.computeCnt < 8 {
		e.computeCnt++
	}
	etx = ewma(e.Val, etx, 1/float32(e.computeCnt))

	s.Log.Debug("neigh-15.4 set etx",
		"eui64", n.EUI64, "tx", e.txCnt, "ack", e.ackCnt, "old", e.Val, "new", etx)

	e.Val = etx
	e.txCnt = 0
	e.ackCnt = 0
	e.txReqCnt = 0

	e.timerCompute.StartRel(s.Etx.UpdateMinDelay)
	// A router SHOULD refresh its neighbor link metrics at least every
	// RefreshPeriod.
	e.timerOutdated.StartRel(s.Etx.RefreshPeriod)

	if s.Etx.OnUpdate != nil {
		return s.Etx.OnUpdate(s, n)
	}
	return nil
}
