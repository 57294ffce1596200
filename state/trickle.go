package state

import (
	"math/rand/v2"
	"time"
)

// TrickleCfg is shared between all the trickles of one exchange family,
// so a single config block drives PAS/PA/PCS/PC alike.
type TrickleCfg struct {
	Imin time.Duration
	Imax time.Duration
	// Redundancy constant. 0 disables suppression entirely.
	K int
}

// Trickle implements the algorithm of RFC 6206. OnTransmit runs when the
// interval decides to transmit; consistent receptions count against the
// redundancy constant and suppress it.
type Trickle struct {
	DebugName string
	Cfg       *TrickleCfg

	OnTransmit func(s *State) error
	// OnIntervalDone runs at each interval boundary, before doubling.
	OnIntervalDone func(s *State) error

	env *Env

	i time.Duration
	c int

	timerT *Timer
	timerI *Timer
}

func NewTrickle(env *Env, name string, cfg *TrickleCfg, onTransmit func(s *State) error) *Trickle {
	t := &Trickle{
		DebugName:  name,
		Cfg:        cfg,
		OnTransmit: onTransmit,
		env:        env,
	}
	t.timerT = NewTimer(env, nil, t.fireT)
	t.timerI = NewTimer(env, nil, t.fireI)
	return t
}

// Start begins a fresh interval at Imin. Restarting a running trickle
// resets it.
func (t *Trickle) Start() {
	t.i = t.Cfg.Imin
	t.beginInterval()
	t.env.Log.Debug("trickle start", "name", t.DebugName, "i", t.i)
}

func (t *Trickle) Stop() {
	t.timerT.Stop()
	t.timerI.Stop()
	t.env.Log.Debug("trickle stop", "name", t.DebugName)
}

func (t *Trickle) Running() bool {
	return !t.timerI.Stopped()
}

// Consistent records the reception of a consistent transmission,
// RFC 6206 4.2 step 3.
func (t *Trickle) Consistent() {
	t.c++
}

// Inconsistent resets the interval to Imin unless it is already there,
// RFC 6206 4.2 step 6.
func (t *Trickle) Inconsistent() {
	if !t.Running() || t.i <= t.Cfg.Imin {
		return
	}
	t.i = t.Cfg.Imin
	t.beginInterval()
	t.env.Log.Debug("trickle reset", "name", t.DebugName)
}

// RFC 6206 4.2 step 2: t is picked in [I/2, I).
func (t *Trickle) beginInterval() {
	t.c = 0
	t.timerT.StartRel(t.i/2 + rand.N(t.i/2))
	t.timerI.StartRel(t.i)
}

func (t *Trickle) fireT(s *State) error {
	if t.Cfg.K != 0 && t.c >= t.Cfg.K {
		s.Log.Debug("trickle suppress", "name", t.DebugName, "c", t.c)
		return nil
	}
	return t.OnTransmit(s)
}

func (t *Trickle) fireI(s *State) error {
	if t.OnIntervalDone != nil {
		if err := t.OnIntervalDone(s); err != nil {
			return err
		}
	}
	t.i = min(t.i*2, t.Cfg.Imax)
	t.beginInterval()
	return nil
}
