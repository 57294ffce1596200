package core

// JoinState is the node's position in the PAN join process,
// Wi-SUN FAN 1.1v09 6.2.3.1 FFN Join Process.
type JoinState int

const (
	JoinDiscovery JoinState = iota
	JoinReconnect
	JoinAuthenticate
	JoinConfigure
	JoinRplParent
	JoinRouting
	JoinOperational
	JoinDisconnecting
)

func (st JoinState) String() string {
	switch st {
	case JoinDiscovery:
		return "discovery"
	case JoinReconnect:
		return "reconnect"
	case JoinAuthenticate:
		return "authenticate"
	case JoinConfigure:
		return "configure"
	case JoinRplParent:
		return "rpl-parent"
	case JoinRouting:
		return "routing"
	case JoinOperational:
		return "operational"
	case JoinDisconnecting:
		return "disconnecting"
	}
	return "invalid"
}

// IpcState maps the internal states onto the 5 externally visible join
// states of Wi-SUN FAN 1.1v09 6.2.3.1, plus 6 for an ongoing shutdown.
// Reconnect advertises itself as a configuration exchange since the node
// already holds keys for the PAN it is soliciting.
func (st JoinState) IpcState() int {
	switch st {
	case JoinDiscovery:
		return 1
	case JoinAuthenticate:
		return 2
	case JoinConfigure, JoinReconnect:
		return 3
	case JoinRplParent, JoinRouting:
		return 4
	case JoinOperational:
		return 5
	case JoinDisconnecting:
		return 6
	}
	return 0
}

type JoinEvent int

const (
	EvPaFromNewPan JoinEvent = iota + 1
	EvPaFromPrevPan
	EvPcRx
	EvPcTimeout
	EvAuthSuccess
	EvAuthFail
	EvRplNewPrefParent
	EvRplPrefLost
	EvRplNoCandidate
	EvRoutingSuccess
	EvPanTimeout
	EvDisconnect
)

func (ev JoinEvent) String() string {
	switch ev {
	case EvPaFromNewPan:
		return "pa-from-new-pan"
	case EvPaFromPrevPan:
		return "pa-from-prev-pan"
	case EvPcRx:
		return "pc-rx"
	case EvPcTimeout:
		return "pc-timeout"
	case EvAuthSuccess:
		return "auth-success"
	case EvAuthFail:
		return "auth-fail"
	case EvRplNewPrefParent:
		return "rpl-new-pref-parent"
	case EvRplPrefLost:
		return "rpl-pref-lost"
	case EvRplNoCandidate:
		return "rpl-no-candidate"
	case EvRoutingSuccess:
		return "routing-success"
	case EvPanTimeout:
		return "pan-timeout"
	case EvDisconnect:
		return "disconnect"
	}
	return "invalid"
}

type joinTransition struct {
	event JoinEvent
	next  JoinState
}

// Events not listed for a state are ignored there. The Disconnecting
// self-loop on EvDisconnect re-runs the state's entry so a second
// shutdown request still reaches the exit action.
var joinTransitions = map[JoinState][]joinTransition{
	JoinDiscovery: {
		{EvPaFromNewPan, JoinAuthenticate},
		{EvDisconnect, JoinDisconnecting},
	},
	JoinReconnect: {
		{EvPcRx, JoinRplParent},
		{EvPcTimeout, JoinDiscovery},
		{EvPaFromPrevPan, JoinConfigure},
		{EvPaFromNewPan, JoinAuthenticate},
		{EvAuthFail, JoinDiscovery},
		{EvDisconnect, JoinDisconnecting},
	},
	JoinAuthenticate: {
		{EvAuthSuccess, JoinConfigure},
		{EvAuthFail, JoinDiscovery},
		{EvPaFromNewPan, JoinAuthenticate},
		{EvDisconnect, JoinDisconnecting},
	},
	JoinConfigure: {
		{EvPcRx, JoinRplParent},
		{EvPcTimeout, JoinReconnect},
		{EvAuthFail, JoinDiscovery},
		{EvDisconnect, JoinDisconnecting},
	},
	JoinRplParent: {
		{EvRplNewPrefParent, JoinRouting},
		{EvPanTimeout, JoinReconnect},
		{EvAuthFail, JoinDiscovery},
		{EvDisconnect, JoinDisconnecting},
	},
	JoinRouting: {
		{EvRoutingSuccess, JoinOperational},
		{EvPanTimeout, JoinDisconnecting},
		{EvRplPrefLost, JoinDisconnecting},
		{EvRplNoCandidate, JoinDisconnecting},
		{EvAuthFail, JoinDisconnecting},
		{EvDisconnect, JoinDisconnecting},
	},
	JoinOperational: {
		{EvPanTimeout, JoinDisconnecting},
		{EvRplPrefLost, JoinDisconnecting},
		{EvRplNoCandidate, JoinDisconnecting},
		{EvAuthFail, JoinDisconnecting},
		{EvDisconnect, JoinDisconnecting},
	},
	JoinDisconnecting: {
		{EvPanTimeout, JoinReconnect},
		{EvRplPrefLost, JoinRplParent},
		{EvRplNoCandidate, JoinReconnect},
		{EvAuthFail, JoinDiscovery},
		{EvDisconnect, JoinDisconnecting},
	},
}

// nextJoinState resolves the transition table. The second return is
// false when the event is ignored in the current state.
func nextJoinState(st JoinState, ev JoinEvent) (JoinState, bool) {
	for _, tr := range joinTransitions[st] {
		if tr.event == ev {
			return tr.next, true
		}
	}
	return st, false
}
