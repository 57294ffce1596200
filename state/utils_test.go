package state

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

// testState builds a State wired to a buffered dispatch channel that the
// test pumps by hand.
func testState(t *testing.T) (*State, chan func(*State) error) {
	t.Helper()
	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(nil) })

	dispatchChan := make(chan func(*State) error, 64)
	env := &Env{
		DispatchChannel: dispatchChan,
		Context:         ctx,
		Cancel:          cancel,
		Log:             slog.New(slog.DiscardHandler),
		Now:             time.Now,
	}
	s := &State{
		Env:       env,
		Modules:   make(map[string]Module),
		Neighbors: make(map[EUI64]*Neighbor),
	}
	s.Etx.SetDefaultParams()
	return s, dispatchChan
}

// pumpFor runs dispatched closures for a fixed window. Use it for
// sources that retransmit forever and never leave the channel quiet.
func pumpFor(t *testing.T, s *State, ch chan func(*State) error, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case f := <-ch:
			if err := f(s); err != nil {
				t.Fatalf("dispatch error: %v", err)
			}
		case <-deadline:
			return
		}
	}
}

// pump runs dispatched closures until the channel stays quiet for the
// grace period.
func pump(t *testing.T, s *State, ch chan func(*State) error, quiet time.Duration) {
	t.Helper()
	for {
		select {
		case f := <-ch:
			if err := f(s); err != nil {
				t.Fatalf("dispatch error: %v", err)
			}
		case <-time.After(quiet):
			return
		}
	}
}
