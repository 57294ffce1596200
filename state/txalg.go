package state

import (
	"math/rand/v2"
	"time"
)

// TxAlgCfg parameterizes the retransmission strategy of RFC 8415 15.
// Zero values lift the corresponding limit: Mrt 0 lets the timeout double
// forever, Mrc 0 retries forever, Mrd 0 never deadlines the exchange.
type TxAlgCfg struct {
	Irt time.Duration
	Mrt time.Duration
	Mrc int
	Mrd time.Duration

	// The first transmission is delayed by a uniform pick in
	// [MinDelay, MaxDelay].
	MinDelay time.Duration
	MaxDelay time.Duration
}

// TxAlg drives a solicit/response exchange: transmit, back off
// exponentially with jitter, give up after Mrc transmissions or Mrd of
// waiting. The caller stops it when the response arrives.
type TxAlg struct {
	DebugName string
	Cfg       TxAlgCfg

	Tx func(s *State) error
	// Fail runs when the exchange gives up. Optional.
	Fail func(s *State) error

	env *Env

	rt      time.Duration
	txCount int

	timerRt  *Timer
	timerMrd *Timer
}

func NewTxAlg(env *Env, name string, cfg TxAlgCfg, tx func(s *State) error) *TxAlg {
	t := &TxAlg{
		DebugName: name,
		Cfg:       cfg,
		Tx:        tx,
		env:       env,
	}
	t.timerRt = NewTimer(env, nil, t.fireRt)
	t.timerMrd = NewTimer(env, nil, func(s *State) error { return t.fail(s) })
	return t
}

// RAND is drawn fresh for every timeout computation.
func txalgRand() float64 {
	return (rand.Float64()*2 - 1) * TxalgRandFactor
}

func (t *TxAlg) Start() {
	t.rt = 0
	t.txCount = 0
	delay := t.Cfg.MinDelay
	if span := t.Cfg.MaxDelay - t.Cfg.MinDelay; span > 0 {
		delay += rand.N(span)
	}
	t.timerRt.StartRel(delay)
	t.env.Log.Debug("txalg start", "name", t.DebugName, "delay", delay)
}

func (t *TxAlg) Stop() {
	t.timerRt.Stop()
	t.timerMrd.Stop()
}

func (t *TxAlg) Stopped() bool {
	return t.timerRt.Stopped()
}

func (t *TxAlg) fireRt(s *State) error {
	// The exchange fails one RT after the last allowed transmission, so
	// a late response can still win.
	if t.Cfg.Mrc > 0 && t.txCount >= t.Cfg.Mrc {
		return t.fail(s)
	}
	if err := t.Tx(s); err != nil {
		return err
	}
	t.txCount++
	// MRD counts from the first transmission, not from Start.
	if t.txCount == 1 && t.Cfg.Mrd > 0 {
		t.timerMrd.StartRel(t.Cfg.Mrd)
	}
	if t.rt == 0 {
		t.rt = time.Duration(float64(t.Cfg.Irt) * (1 + txalgRand()))
	} else {
		t.rt = time.Duration(float64(t.rt) * (2 + txalgRand()))
	}
	if t.Cfg.Mrt > 0 && t.rt > t.Cfg.Mrt {
		t.rt = time.Duration(float64(t.Cfg.Mrt) * (1 + txalgRand()))
	}
	t.timerRt.StartRel(t.rt)
	return nil
}

func (t *TxAlg) fail(s *State) error {
	t.Stop()
	s.Log.Debug("txalg fail", "name", t.DebugName, "tx", t.txCount)
	if t.Fail != nil {
		return t.Fail(s)
	}
	return nil
}
