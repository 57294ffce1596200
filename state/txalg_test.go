package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTxAlg(t *testing.T, cfg TxAlgCfg) (*State, chan func(*State) error, *TxAlg, *int, *int) {
	t.Helper()
	s, ch := testState(t)
	txCount := 0
	failCount := 0
	alg := NewTxAlg(s.Env, "test", cfg, func(s *State) error {
		txCount++
		return nil
	})
	alg.Fail = func(s *State) error {
		failCount++
		return nil
	}
	return s, ch, alg, &txCount, &failCount
}

func TestTxAlgRetransmits(t *testing.T) {
	s, ch, alg, txCount, failCount := testTxAlg(t, TxAlgCfg{
		Irt: time.Millisecond * 20,
	})
	alg.Start()
	require.False(t, alg.Stopped())

	// No delay bounds: the first transmission is immediate, then the
	// timeout doubles. 0 + 20 + 40ms of waits fit in the window.
	pump(t, s, ch, time.Millisecond*100)
	assert.GreaterOrEqual(t, *txCount, 3)
	assert.Equal(t, 0, *failCount)
}

func TestTxAlgStopOnResponse(t *testing.T) {
	s, ch, alg, txCount, _ := testTxAlg(t, TxAlgCfg{
		Irt: time.Millisecond * 20,
		Mrc: 3,
	})
	alg.Start()
	pump(t, s, ch, time.Millisecond*5)
	require.Equal(t, 1, *txCount)

	alg.Stop()
	assert.True(t, alg.Stopped())
	pump(t, s, ch, time.Millisecond*60)
	assert.Equal(t, 1, *txCount)
}

func TestTxAlgMrcExhaustion(t *testing.T) {
	s, ch, alg, txCount, failCount := testTxAlg(t, TxAlgCfg{
		Irt: time.Millisecond * 5,
		Mrt: time.Millisecond * 5,
		Mrc: 3,
	})
	alg.Start()

	pump(t, s, ch, time.Millisecond*80)
	assert.Equal(t, 3, *txCount)
	assert.Equal(t, 1, *failCount)
	assert.True(t, alg.Stopped())
}

func TestTxAlgMrdDeadline(t *testing.T) {
	s, ch, alg, txCount, failCount := testTxAlg(t, TxAlgCfg{
		Irt: time.Millisecond * 10,
		Mrt: time.Millisecond * 10,
		Mrd: time.Millisecond * 35,
	})
	alg.Start()

	pump(t, s, ch, time.Millisecond*120)
	assert.Equal(t, 1, *failCount)
	assert.True(t, alg.Stopped())
	// Transmissions stop once the deadline fires.
	after := *txCount
	pump(t, s, ch, time.Millisecond*40)
	assert.Equal(t, after, *txCount)
}

func TestTxAlgFirstDelayBounds(t *testing.T) {
	s, ch, alg, txCount, _ := testTxAlg(t, TxAlgCfg{
		Irt:      time.Second,
		MinDelay: time.Millisecond * 30,
		MaxDelay: time.Millisecond * 60,
	})
	alg.Start()
	require.False(t, alg.Stopped())

	pump(t, s, ch, time.Millisecond*15)
	assert.Equal(t, 0, *txCount)
	pump(t, s, ch, time.Millisecond*70)
	assert.Equal(t, 1, *txCount)
}

func TestTxAlgMrtCapsBackoff(t *testing.T) {
	s, ch, alg, _, _ := testTxAlg(t, TxAlgCfg{
		Irt: time.Millisecond * 10,
		Mrt: time.Millisecond * 15,
	})
	alg.Start()

	// No Mrc: the retransmissions never stop on their own, so the pump
	// must be bounded by elapsed time.
	pumpFor(t, s, ch, time.Millisecond*100)
	alg.Stop()
	// With a 10% jitter margin the capped timeout never exceeds
	// 1.1 * Mrt.
	mrt := time.Millisecond * 15
	assert.LessOrEqual(t, alg.rt, time.Duration(float64(mrt)*1.1)+time.Millisecond)
}

func TestTxAlgRestart(t *testing.T) {
	s, ch, alg, txCount, failCount := testTxAlg(t, TxAlgCfg{
		Irt: time.Millisecond * 5,
		Mrt: time.Millisecond * 5,
		Mrc: 2,
	})
	alg.Start()
	pump(t, s, ch, time.Millisecond*50)
	require.Equal(t, 2, *txCount)
	require.Equal(t, 1, *failCount)

	// Restart resets the transmission budget.
	alg.Start()
	pump(t, s, ch, time.Millisecond*50)
	assert.Equal(t, 4, *txCount)
	assert.Equal(t, 2, *failCount)
}
