package core

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Every state resolves each event to at most one successor.
func TestJoinTableDeterministic(t *testing.T) {
	for st, trs := range joinTransitions {
		seen := map[JoinEvent]bool{}
		for _, tr := range trs {
			assert.Falsef(t, seen[tr.event], "%s handles %s twice", st, tr.event)
			seen[tr.event] = true
		}
	}
}

func TestJoinHappyPath(t *testing.T) {
	events := []JoinEvent{
		EvPaFromNewPan, EvAuthSuccess, EvPcRx, EvRplNewPrefParent, EvRoutingSuccess,
	}
	want := []JoinState{
		JoinAuthenticate, JoinConfigure, JoinRplParent, JoinRouting, JoinOperational,
	}

	var got []JoinState
	st := JoinDiscovery
	for _, ev := range events {
		next, ok := nextJoinState(st, ev)
		require.Truef(t, ok, "%s must handle %s", st, ev)
		got = append(got, next)
		st = next
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("join path mismatch (-want +got):\n%s", diff)
	}
}

func TestJoinIgnoredEvents(t *testing.T) {
	// Events that make no sense in a state leave it untouched.
	for _, c := range []struct {
		st JoinState
		ev JoinEvent
	}{
		{JoinDiscovery, EvAuthSuccess},
		{JoinDiscovery, EvPcRx},
		{JoinOperational, EvPaFromNewPan},
		{JoinOperational, EvRoutingSuccess},
		{JoinAuthenticate, EvRplNewPrefParent},
	} {
		next, ok := nextJoinState(c.st, c.ev)
		assert.Falsef(t, ok, "%s must ignore %s", c.st, c.ev)
		assert.Equal(t, c.st, next)
	}
}

func TestJoinFailurePaths(t *testing.T) {
	// Authentication failure falls all the way back to discovery.
	next, ok := nextJoinState(JoinAuthenticate, EvAuthFail)
	assert.True(t, ok)
	assert.Equal(t, JoinDiscovery, next)

	// Losing the parent while operational starts an orderly leave ...
	next, ok = nextJoinState(JoinOperational, EvRplPrefLost)
	assert.True(t, ok)
	assert.Equal(t, JoinDisconnecting, next)

	// ... whose exit reconnects through parent selection if candidates
	// remain, or soliciting a PAN otherwise.
	next, ok = nextJoinState(JoinDisconnecting, EvRplPrefLost)
	assert.True(t, ok)
	assert.Equal(t, JoinRplParent, next)
	next, ok = nextJoinState(JoinDisconnecting, EvRplNoCandidate)
	assert.True(t, ok)
	assert.Equal(t, JoinReconnect, next)

	// A second disconnect request re-enters the state.
	next, ok = nextJoinState(JoinDisconnecting, EvDisconnect)
	assert.True(t, ok)
	assert.Equal(t, JoinDisconnecting, next)
}

func TestIpcState(t *testing.T) {
	assert.Equal(t, 1, JoinDiscovery.IpcState())
	assert.Equal(t, 2, JoinAuthenticate.IpcState())
	assert.Equal(t, 3, JoinConfigure.IpcState())
	assert.Equal(t, 3, JoinReconnect.IpcState())
	assert.Equal(t, 4, JoinRplParent.IpcState())
	assert.Equal(t, 4, JoinRouting.IpcState())
	assert.Equal(t, 5, JoinOperational.IpcState())
	assert.Equal(t, 6, JoinDisconnecting.IpcState())
}
