package core

import (
	"fmt"
	"math"
	"os"

	"github.com/weftnet/weft/auth"
	"github.com/weftnet/weft/perf"
	"github.com/weftnet/weft/state"
	"github.com/weftnet/weft/storage"
)

// Join drives the PAN join process, Wi-SUN FAN 1.1v09 6.2.3.1: an event
// driven state machine whose entry and exit actions start and stop the
// other modules. Everything runs on the dispatch loop.
type Join struct {
	Radio Radio

	JState    JoinState
	LastEvent JoinEvent

	Supp *auth.Supp
	// Destination of supplicant EAPOL frames: the preferred parent once
	// one exists, otherwise the advertisement source selected during
	// discovery. Broadcast when unknown.
	EapolTarget state.EUI64

	store  *storage.Store
	timers state.TimerGroup
	// A silent PAN expires through this timer; any traffic from the
	// DODAG refreshes it.
	panTimeoutTimer *state.Timer
	// Delay between MAC unregistration and acting on the disconnect
	// cause, so the final frames drain.
	unregTimer *state.Timer
}

func (j *Join) Init(s *state.State) error {
	j.store = storage.NewStore(s.Env)

	j.Supp = auth.NewSupp(s.Env, j.store)
	j.Supp.EUI64 = s.EUI64
	sec := Get[*Security](s)
	j.Supp.Transport = sec
	j.Supp.Handshake = sec.SuppHandshake
	j.Supp.GetTarget = func() state.EUI64 { return j.EapolTarget }
	j.Supp.OnGtkChange = j.onGtkChange
	j.Supp.OnFailure = func(s *state.State) error {
		return j.onAuthFailure(s)
	}
	j.EapolTarget = state.BroadcastEUI64

	s.Etx.SetDefaultParams()
	s.Etx.OnOutdated = onEtxOutdated
	s.Etx.OnUpdate = onEtxUpdate

	Get[*Rpl](s).Mrhof.OnPrefParentChange = j.onPrefParentChange

	j.panTimeoutTimer = state.NewTimer(s.Env, &j.timers, func(s *state.State) error {
		s.Log.Info("pan timeout expired", "pan_id", fmt.Sprintf("%#04x", s.Pan.PanId))
		return j.Transition(s, EvPanTimeout)
	})
	j.unregTimer = state.NewTimer(s.Env, &j.timers, func(s *state.State) error {
		return j.Transition(s, j.LastEvent)
	})

	haveConfig, err := j.loadNetworkConfig(s)
	if err != nil {
		return err
	}
	haveKeys, err := j.Supp.Load(s)
	if err != nil {
		return err
	}
	if haveConfig && haveKeys && j.Supp.Gtkl() != 0 {
		j.JState = JoinReconnect
		j.Supp.Running = true
		return j.enterState(s, JoinReconnect)
	}
	j.JState = JoinDiscovery
	return j.enterState(s, JoinDiscovery)
}

func (j *Join) Cleanup(s *state.State) error {
	j.Supp.Stop()
	j.timers.StopAll()
	return nil
}

// Transition resolves ev against the current state's table and runs the
// exit and entry actions around the change. Unlisted events are dropped.
func (j *Join) Transition(s *state.State, ev JoinEvent) error {
	next, ok := nextJoinState(j.JState, ev)
	if !ok {
		s.Log.Debug("join: event ignored", "state", j.JState, "event", ev)
		return nil
	}
	s.Log.Info("join: state change", "from", j.JState, "to", next, "event", ev)
	j.LastEvent = ev
	if err := j.exitState(s, j.JState); err != nil {
		return err
	}
	j.JState = next
	return j.enterState(s, next)
}

func (j *Join) enterState(s *state.State, st JoinState) error {
	switch st {
	case JoinDiscovery:
		return j.enterDiscovery(s)
	case JoinReconnect:
		return j.enterReconnect(s)
	case JoinAuthenticate:
		return j.enterAuthenticate(s)
	case JoinConfigure:
		return j.enterConfigure(s)
	case JoinRplParent:
		return j.enterRplParent(s)
	case JoinRouting:
		return j.enterRouting(s)
	case JoinOperational:
		return j.enterOperational(s)
	case JoinDisconnecting:
		return j.enterDisconnecting(s)
	}
	return nil
}

func (j *Join) exitState(s *state.State, st JoinState) error {
	disc := Get[*Discovery](s)
	switch st {
	case JoinDiscovery:
		if !disc.PasTkl.Running() {
			panic("pas trickle not running")
		}
		disc.PasTkl.Stop()
	case JoinReconnect:
		disc.PasTkl.Stop()
		disc.PcsTkl.Stop()
	case JoinConfigure:
		if !disc.PcsTkl.Running() {
			panic("pcs trickle not running")
		}
		disc.PcsTkl.Stop()
	case JoinRplParent:
		rpl := Get[*Rpl](s)
		if rpl.DisTxAlg.Stopped() {
			panic("dis retransmission not running")
		}
		rpl.DisTxAlg.Stop()
		s.Etx.SetDefaultParams()
	case JoinOperational:
		Get[*Security](s).RelayStop(s)
		Get[*Dhcp](s).RelayStop(s)
		disc.PaTkl.Stop()
		disc.PcTkl.Stop()
	case JoinDisconnecting:
		if j.LastEvent == EvDisconnect {
			s.Cancel(fmt.Errorf("disconnected from pan"))
		}
	}
	return nil
}

func (j *Join) enterDiscovery(s *state.State) error {
	j.store.Delete("network-config")
	s.Pan.PanId = 0xffff
	s.Pan.PrevPanId = 0xffff
	s.Pan.PanVersion = -1
	s.Pan.GakIndex = 0
	j.Supp.Running = false
	j.Supp.Reset(s)
	j.Supp.StorageClear()
	j.EapolTarget = state.BroadcastEUI64
	if err := j.Radio.SetPanId(0xffff); err != nil {
		return err
	}
	Get[*Dhcp](s).Stop(s)
	Get[*Rpl](s).Stop(s)
	j.panTimeoutTimer.Stop()
	s.CleanNeighbors()
	s.Etx.SetDefaultParams()
	Get[*Discovery](s).PasTkl.Start()
	return nil
}

func (j *Join) enterReconnect(s *state.State) error {
	if s.Pan.PanId == 0xffff {
		panic("reconnect without a known pan")
	}
	if j.Supp.Gtkl() == 0 {
		panic("reconnect without keys")
	}
	if err := j.setPanId(s, 0xffff); err != nil {
		return err
	}
	j.EapolTarget = state.BroadcastEUI64
	j.Supp.KeyRequestTxAlg.Stop()
	s.Pan.GakIndex = 0
	s.Pan.PanVersion = -1
	disc := Get[*Discovery](s)
	disc.PcsCount = 0
	Get[*Dhcp](s).Stop(s)
	s.ResetIpv6Neighbors()
	Get[*Rpl](s).Stop(s)
	j.panTimeoutTimer.Stop()
	s.Etx.SetDefaultParams()
	disc.PasTkl.Start()
	disc.PcsTkl.Start()
	// solicit the previous PAN right away; the trickles take over if
	// nobody answers
	if err := j.Radio.SendPanAdvertSolicit(); err != nil {
		return err
	}
	return disc.SendPanConfigSolicit(s)
}

func (j *Join) enterAuthenticate(s *state.State) error {
	if s.Pan.PanId == 0xffff {
		panic("authenticate without a selected pan")
	}
	j.Supp.Running = true
	j.Supp.Reset(s)
	j.Supp.StartKeyRequest(s)
	return nil
}

func (j *Join) enterConfigure(s *state.State) error {
	if s.Pan.PanId == 0xffff {
		panic("configure without a selected pan")
	}
	if j.Supp.Gtkl() == 0 {
		panic("configure without keys")
	}
	s.Pan.PanVersion = -1
	disc := Get[*Discovery](s)
	disc.PcsCount = 0
	disc.PcsTkl.Start()
	return nil
}

func (j *Join) enterRplParent(s *state.State) error {
	if s.Pan.PanId == 0xffff || j.Supp.Gtkl() == 0 || s.Pan.PanVersion < 0 {
		panic("rpl-parent entered before configuration completed")
	}
	if j.panTimeoutTimer.Stopped() {
		panic("pan timeout not armed")
	}
	Get[*Dhcp](s).Stop(s)
	if j.LastEvent == EvPcRx {
		// Joining a fresh PAN: no ETX measurement exists yet, so relax
		// the estimator until the first parent is picked.
		for _, n := range s.Neighbors {
			n.Etx.Reset()
		}
		s.Etx.UpdateMinTxReq = 1
		s.Etx.UpdateMinDelay = 0
		s.Etx.RefreshPeriod = 0
	}
	rpl := Get[*Rpl](s)
	rpl.Start(s)
	rpl.StartDis(s)
	return nil
}

func (j *Join) enterRouting(s *state.State) error {
	parent := PrefParent(s)
	if parent == nil {
		panic("routing entered without a parent")
	}
	dhcp := Get[*Dhcp](s)
	if dhcp.Running {
		panic("dhcp already running")
	}
	dhcp.Start(s)
	return nil
}

func (j *Join) enterOperational(s *state.State) error {
	parent := PrefParent(s)
	dhcp := Get[*Dhcp](s)
	rpl := Get[*Rpl](s)
	if parent == nil || !dhcp.Addr.IsValid() {
		panic("operational entered without routes")
	}
	if !parent.Rpl.DaoAckReceived || rpl.DaoRefreshTimer.Stopped() {
		panic("operational entered before the dao exchange completed")
	}
	rpl.StartDio(s)
	Get[*Security](s).RelayStart(s)
	dhcp.RelayStart(s)
	disc := Get[*Discovery](s)
	disc.PaTkl.Start()
	disc.PcTkl.Start()
	return nil
}

func (j *Join) enterDisconnecting(s *state.State) error {
	j.Supp.KeyRequestTxAlg.Stop()
	dhcp := Get[*Dhcp](s)
	dhcp.SolicitTxAlg.Stop()
	j.unregTimer.StartRel(state.UnregSettleDelay)

	rpl := Get[*Rpl](s)
	parent := PrefParent(s)
	if parent == nil || !dhcp.Addr.IsValid() {
		if j.LastEvent != EvRplPrefLost {
			j.panTimeoutTimer.Stop()
		}
		rpl.Stop(s)
		return nil
	}

	// Unregister while the parent still routes for us: no-path DAO,
	// poisoning DIO, then address deregistration.
	if !j.panTimeoutTimer.Stopped() && !rpl.DaoRefreshTimer.Stopped() {
		if err := rpl.SendDaoNoPath(s, parent); err != nil {
			s.Log.Warn("rpl: no-path dao", "err", err)
		}
	}
	j.panTimeoutTimer.Stop()
	parent.Rpl.IsParent = false
	if rpl.DioTkl.Running() {
		if err := rpl.SendDio(s); err != nil {
			s.Log.Warn("rpl: poisoning dio", "err", err)
		}
	}
	rpl.AroTimer.Stop()
	if err := Get[*Ndp](s).SendNs(s, parent, 0); err != nil {
		s.Log.Warn("ndp: deregistration", "err", err)
	}
	rpl.Stop(s)
	return nil
}

// AdoptPan attaches the MAC to a selected PAN.
func (j *Join) AdoptPan(s *state.State, panId uint16) error {
	return j.setPanId(s, panId)
}

// setPanId updates the MAC PAN ID, remembering the one we leave so a
// reconnect can prefer it.
func (j *Join) setPanId(s *state.State, panId uint16) error {
	if panId == 0xffff && s.Pan.PanId != 0xffff {
		s.Pan.PrevPanId = s.Pan.PanId
	}
	s.Pan.PanId = panId
	return j.Radio.SetPanId(panId)
}

// SetPanVersion adopts the PAN version from a PAN Configuration frame
// and persists the network attachment for the next start.
func (j *Join) SetPanVersion(s *state.State, version int) error {
	s.Pan.PanVersion = version
	if version < 0 {
		return nil
	}
	return j.storeNetworkConfig(s)
}

// RefreshPanTimeout re-arms PAN expiry; called on any proof the PAN is
// alive (PAN Configuration frames, traffic from the DODAG root).
func (j *Join) RefreshPanTimeout(s *state.State) {
	j.panTimeoutTimer.StartRel(s.Cfg.PanTimeout())
}

func (j *Join) storeNetworkConfig(s *state.State) error {
	w := j.store.NewWriter("network-config")
	w.Set("network_name", s.Cfg.NetworkName)
	w.Set("pan_id", s.Pan.PanId)
	w.Set("pan_version", s.Pan.PanVersion)
	return w.Commit(false)
}

func (j *Join) loadNetworkConfig(s *state.State) (bool, error) {
	entries, err := j.store.Load("network-config")
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var panId, panVersion uint64
	havePan := false
	for _, e := range entries {
		switch e.Pattern {
		case "network_name":
			if e.Value != s.Cfg.NetworkName {
				return false, fmt.Errorf("storage: network_name mismatch between current and previous state (%q != %q)",
					e.Value, s.Cfg.NetworkName)
			}
		case "pan_id":
			if panId, err = e.Uint(16); err != nil {
				return false, fmt.Errorf("network-config: invalid pan_id: %w", err)
			}
			havePan = true
		case "pan_version":
			if panVersion, err = e.Uint(16); err != nil {
				return false, fmt.Errorf("network-config: invalid pan_version: %w", err)
			}
		default:
			s.Log.Warn("storage: invalid key", "file", "network-config", "key", e.Pattern)
		}
	}
	if !havePan || panId == 0xffff {
		return false, nil
	}
	s.Pan.PanId = uint16(panId)
	s.Pan.PanVersion = int(panVersion)
	return true, nil
}

// onGtkChange forwards negotiated group keys into the MAC, deriving the
// GAK from the network name, Wi-SUN FAN 1.1v09 6.3.1.1. The first
// installed key is what completes authentication.
func (j *Join) onGtkChange(s *state.State, key []byte, frameCounter uint32, keyIndex int) error {
	if keyIndex > state.GtkCount {
		// LFN keys never reach this node's MAC
		return nil
	}
	for _, n := range s.Neighbors {
		if key != nil {
			n.FrameCounterMin[keyIndex-1] = 0
		} else {
			n.FrameCounterMin[keyIndex-1] = math.MaxUint32
		}
	}
	if key == nil {
		return j.Radio.SetKey(keyIndex, nil, 0)
	}
	gak := auth.GenerateGak(s.Cfg.NetworkName, [16]byte(key))
	if err := j.Radio.SetKey(keyIndex, &gak, frameCounter); err != nil {
		return err
	}
	perf.KeyInstalls.Add(1)
	s.Pan.GakIndex = keyIndex
	return j.Transition(s, EvAuthSuccess)
}

// onAuthFailure handles a dead security exchange: through a parent it
// means the parent stopped relaying, so bar it and pick another; without
// one the PAN itself rejected us.
func (j *Join) onAuthFailure(s *state.State) error {
	if target := s.GetNeighbor(j.EapolTarget); target != nil {
		target.RoutingCost = 0xffff
	}
	parent := PrefParent(s)
	if parent != nil && j.Supp.Gtkl() != 0 {
		return Get[*Rpl](s).DenyNeighbor(s, parent)
	}
	return j.Transition(s, EvAuthFail)
}

func (j *Join) onPrefParentChange(s *state.State, n *state.Neighbor) error {
	if n == nil {
		j.EapolTarget = state.BroadcastEUI64
		if Get[*Rpl](s).Mrhof.HasCandidates(s) {
			return j.Transition(s, EvRplPrefLost)
		}
		return j.Transition(s, EvRplNoCandidate)
	}
	if err := j.Transition(s, EvRplNewPrefParent); err != nil {
		return err
	}
	if j.EapolTarget != n.EUI64 {
		j.EapolTarget = n.EUI64
		// the new parent may advertise newer keys than the old one did
		disc := Get[*Discovery](s)
		if disc.HaveGtkHashes {
			j.Supp.CheckGtkhash(s, disc.LastGtkHashes)
		}
	}
	return nil
}

// onEtxOutdated nudges NUD into generating the unicast traffic the
// estimator needs.
func onEtxOutdated(s *state.State, n *state.Neighbor) error {
	if n.NudState != state.NudDelay && n.NudState != state.NudProbe {
		s.SetNudState(n, state.NudDelay)
	}
	return nil
}

func onEtxUpdate(s *state.State, n *state.Neighbor) error {
	rpl := Get[*Rpl](s)
	if n.Rpl != nil && rpl.Running {
		return rpl.UpdateParent(s)
	}
	return nil
}
