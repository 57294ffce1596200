package state

import (
	"fmt"
	"time"
)

// Dispatch hands fun to the main loop without waiting for it to run.
func (e *Env) Dispatch(fun func(*State) error) {
	defer func() {
		if r := recover(); r != nil {
			e.Cancel(fmt.Errorf("panic: %v", r))
		}
	}()
	e.DispatchChannel <- fun
}

// DispatchWait runs fun on the main loop and blocks for its result.
// Shutdown unblocks the caller with the context error.
func DispatchWait[T any](e *Env, fun func(*State) (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	// Buffered: the main loop must not block on a waiter that already
	// gave up at shutdown.
	ret := make(chan result, 1)
	e.Dispatch(func(s *State) error {
		val, err := fun(s)
		ret <- result{val, err}
		return err
	})
	select {
	case res := <-ret:
		return res.val, res.err
	case <-e.Context.Done():
		var zero T
		return zero, e.Context.Err()
	}
}

// RepeatTask dispatches fun now and then once per period until the node
// shuts down.
func (e *Env) RepeatTask(fun func(*State) error, period time.Duration) {
	go func() {
		tick := time.NewTicker(period)
		defer tick.Stop()
		for {
			e.Dispatch(fun)
			select {
			case <-tick.C:
			case <-e.Context.Done():
				return
			}
		}
	}()
}
