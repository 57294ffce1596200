package state

import (
	"slices"
	"time"
)

// Timer is a cooperative timer: the callback always runs on the main loop
// goroutine, so a stopped timer can never fire concurrently with the code
// that stopped it. Stopped() doubles as a liveness signal all over the
// codebase ("is a DAO in flight", "is an install pending").
//
// A zero deadline means stopped. Restarting a running timer re-arms it.
type Timer struct {
	env *Env
	cb  func(s *State) error

	// Period re-arms the timer automatically before each fire when nonzero.
	Period time.Duration

	deadline time.Time
	gen      uint64
	after    *time.Timer
}

// NewTimer registers the timer in group when group is not nil.
func NewTimer(env *Env, group *TimerGroup, cb func(s *State) error) *Timer {
	t := &Timer{env: env, cb: cb}
	if group != nil {
		group.add(t)
	}
	return t
}

func (t *Timer) StartRel(d time.Duration) {
	t.StartAbs(t.env.Now().Add(d))
}

// StartPeriodic sets Period and arms the first fire one period from now.
func (t *Timer) StartPeriodic(period time.Duration) {
	t.Period = period
	t.StartRel(period)
}

func (t *Timer) StartAbs(at time.Time) {
	t.gen++
	gen := t.gen
	t.deadline = at
	if t.after != nil {
		t.after.Stop()
	}
	t.after = time.AfterFunc(at.Sub(t.env.Now()), func() {
		t.env.Dispatch(func(s *State) error {
			return t.fire(s, gen)
		})
	})
}

func (t *Timer) fire(s *State, gen uint64) error {
	// A stop or restart between the fire and the dispatch makes it stale.
	if gen != t.gen || t.deadline.IsZero() {
		return nil
	}
	// The timer reads as stopped inside its own callback, so the callback
	// can re-arm it.
	if t.Period > 0 {
		t.StartRel(t.Period)
	} else {
		t.gen++
		t.deadline = time.Time{}
	}
	return t.cb(s)
}

func (t *Timer) Stop() {
	t.gen++
	t.deadline = time.Time{}
	if t.after != nil {
		t.after.Stop()
		t.after = nil
	}
}

func (t *Timer) Stopped() bool {
	return t.deadline.IsZero()
}

func (t *Timer) Deadline() time.Time {
	return t.deadline
}

// Remaining returns 0 for a stopped timer.
func (t *Timer) Remaining() time.Duration {
	if t.Stopped() {
		return 0
	}
	return max(t.deadline.Sub(t.env.Now()), 0)
}

// TimerGroup tracks the timers of one subsystem so a state exit can cancel
// them in bulk.
type TimerGroup struct {
	timers []*Timer
}

func (g *TimerGroup) add(t *Timer) {
	if !slices.Contains(g.timers, t) {
		g.timers = append(g.timers, t)
	}
}

func (g *TimerGroup) Remove(t *Timer) {
	t.Stop()
	if i := slices.Index(g.timers, t); i >= 0 {
		g.timers = slices.Delete(g.timers, i, i+1)
	}
}

func (g *TimerGroup) StopAll() {
	for _, t := range g.timers {
		t.Stop()
	}
}
