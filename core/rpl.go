package core

import (
	"net/netip"

	"github.com/weftnet/weft/perf"
	"github.com/weftnet/weft/rpl"
	"github.com/weftnet/weft/state"
)

// RplTransport carries RPL control messages. The production
// implementation is the raw ICMPv6 socket in package rpl; tests record
// the traffic instead.
type RplTransport interface {
	Start(handler rpl.Handler)
	Send(dst netip.Addr, m rpl.Message) error
	SendMulticast(m rpl.Message) error
	Close() error
}

// Rpl is the RPL non-storing node glue, RFC 6550: it tracks the single
// DODAG the node participates in, runs parent selection and keeps the
// upward registration (DAO to the root, ARO to the parent) fresh.
type Rpl struct {
	Transport RplTransport
	Mrhof     Mrhof

	Running bool

	InstanceId   uint8
	DodagId      netip.Addr
	DodagVersion uint8
	// Our DAO Trigger Sequence Number, advertised in DIOs.
	Dtsn uint8

	// DODAG configuration adopted from the parent's DIOs, re-advertised
	// downward.
	Conf rpl.DodagConf

	DisTxAlg *state.TxAlg
	DaoTxAlg *state.TxAlg
	// Re-registers at half the path lifetime once a DAO was acked.
	DaoRefreshTimer *state.Timer
	// Re-registers the address with the parent at half the ARO lifetime.
	AroTimer *state.Timer
	DioTkl   *state.Trickle

	dioTklCfg state.TrickleCfg

	daoSeq  uint8
	pathSeq uint8

	timers state.TimerGroup
}

func (r *Rpl) Init(s *state.State) error {
	r.Mrhof.SetDefaultParams()
	r.Mrhof.DeviceMinSensDbm = s.Cfg.DeviceMinSensDbm
	r.daoSeq = state.LollipopInit
	r.pathSeq = state.LollipopInit
	r.Dtsn = state.LollipopInit

	r.DisTxAlg = state.NewTxAlg(s.Env, "dis", state.TxAlgCfg{
		Irt:      state.DisIrt,
		Mrt:      state.DisMrt,
		MinDelay: state.DisMinDelay,
		MaxDelay: state.DisMaxDelay,
	}, func(s *state.State) error {
		return r.Transport.SendMulticast(&rpl.Dis{})
	})

	r.DaoTxAlg = state.NewTxAlg(s.Env, "dao", state.TxAlgCfg{
		Irt: state.DaoIrt,
		Mrc: state.DaoMrc,
	}, r.sendDao)
	r.DaoTxAlg.Fail = func(s *state.State) error {
		s.Log.Warn("rpl: dao exchange failed")
		if parent := PrefParent(s); parent != nil {
			return r.DenyNeighbor(s, parent)
		}
		return nil
	}

	r.DaoRefreshTimer = state.NewTimer(s.Env, &r.timers, func(s *state.State) error {
		r.StartDao(s)
		return nil
	})
	r.AroTimer = state.NewTimer(s.Env, &r.timers, func(s *state.State) error {
		parent := PrefParent(s)
		if parent == nil {
			return nil
		}
		return Get[*Ndp](s).SendNs(s, parent, state.AroLifetime)
	})

	r.DioTkl = state.NewTrickle(s.Env, "dio", &r.dioTklCfg, func(s *state.State) error {
		return r.SendDio(s)
	})

	s.Nud.Unreachable = r.onNeighUnreachable

	if r.Transport != nil {
		r.Transport.Start(r.Recv)
	}
	return nil
}

func (r *Rpl) Cleanup(s *state.State) error {
	r.DisTxAlg.Stop()
	r.DaoTxAlg.Stop()
	r.DioTkl.Stop()
	r.timers.StopAll()
	if r.Transport != nil {
		return r.Transport.Close()
	}
	return nil
}

func (r *Rpl) Start(s *state.State) {
	r.Running = true
	r.Mrhof.LowestAdvertisedRank = state.RankInfinite
}

// Stop tears down DODAG participation but keeps the neighbor table; the
// join FSM separately decides how much of it survives.
func (r *Rpl) Stop(s *state.State) {
	if !r.Running {
		return
	}
	r.Running = false
	r.DisTxAlg.Stop()
	r.DaoTxAlg.Stop()
	r.DaoRefreshTimer.Stop()
	r.AroTimer.Stop()
	r.DioTkl.Stop()
	r.InstanceId = 0
	r.DodagId = netip.Addr{}
	r.DodagVersion = 0
	if parent := PrefParent(s); parent != nil {
		parent.Rpl.IsParent = false
	}
	Get[*Routes](s).ClearDefaultRoute(s)
}

func (r *Rpl) StartDis(s *state.State) {
	r.DisTxAlg.Start()
}

func (r *Rpl) StartDio(s *state.State) {
	r.DioTkl.Start()
}

// StartDao begins (or re-begins) the registration exchange with the
// DODAG root. Sequence numbers advance once per exchange; the
// retransmission strategy reuses them.
func (r *Rpl) StartDao(s *state.State) {
	r.daoSeq = lollipopInc(r.daoSeq)
	r.pathSeq = lollipopInc(r.pathSeq)
	r.DaoTxAlg.Start()
}

// CurrentRank is what PAN advertisements carry as routing cost.
func (r *Rpl) CurrentRank(s *state.State) uint16 {
	if !r.Running {
		return state.RankInfinite
	}
	return r.Mrhof.Rank(s)
}

// Recv dispatches one control message from the transport.
func (r *Rpl) Recv(s *state.State, src netip.Addr, msg rpl.Message) error {
	switch m := msg.(type) {
	case *rpl.Dio:
		return r.recvDio(s, src, m)
	case *rpl.DaoAck:
		return r.recvDaoAck(s, src, m)
	case *rpl.Dis:
		// RFC 6550 8.3: a multicast DIS resets the trickle
		if r.Running && r.DioTkl.Running() {
			r.DioTkl.Inconsistent()
		}
		return nil
	case *rpl.Dao:
		s.Log.Debug("drop rpl-dao: storing mode not supported", "src", src)
		return nil
	}
	return nil
}

func (r *Rpl) recvDio(s *state.State, src netip.Addr, dio *rpl.Dio) error {
	if !r.Running {
		s.Log.Debug("drop rpl-dio: not running")
		return nil
	}
	if dio.Mop != rpl.MopNonStoring {
		s.Log.Debug("drop rpl-dio: unsupported mop", "mop", dio.Mop)
		return nil
	}
	if dio.Conf != nil && dio.Conf.Ocp != 1 && !s.Cfg.RplCompat {
		s.Log.Debug("drop rpl-dio: unsupported ocp", "ocp", dio.Conf.Ocp)
		return nil
	}
	if !src.Is6() || !src.IsLinkLocalUnicast() {
		s.Log.Debug("drop rpl-dio: source not link-local", "src", src)
		return nil
	}

	if !r.DodagId.IsValid() {
		if dio.Conf == nil {
			// Can't join without the configuration option; solicit it.
			s.Log.Debug("rpl: dio without configuration, soliciting", "src", src)
			return r.Transport.Send(src, &rpl.Dis{})
		}
		r.InstanceId = dio.InstanceId
		r.DodagId = dio.DodagId
		r.DodagVersion = dio.Version
		r.adoptConf(s, dio.Conf)
		s.Log.Info("rpl: dodag joined", "dodag_id", r.DodagId,
			"instance", r.InstanceId, "version", r.DodagVersion)
	} else if dio.DodagId != r.DodagId || dio.InstanceId != r.InstanceId {
		s.Log.Debug("drop rpl-dio: foreign dodag", "dodag_id", dio.DodagId)
		return nil
	}

	consistent := true
	if lollipopDesynced(r.DodagVersion, dio.Version) || dio.Version == lollipopInc(r.DodagVersion) {
		// RFC 6550 8.2.2.1: a new DODAG version resets the rank bound.
		r.DodagVersion = dio.Version
		r.Mrhof.LowestAdvertisedRank = state.RankInfinite
		consistent = false
	} else if dio.Version != r.DodagVersion {
		s.Log.Debug("drop rpl-dio: stale dodag version", "version", dio.Version)
		return nil
	}
	if dio.Conf != nil {
		r.adoptConf(s, dio.Conf)
	}

	n := s.AddNeighbor(state.EUI64FromIID(src))
	rn := n.EnsureRpl(s.Env)
	prevDtsn := rn.Dtsn
	hadRank := rn.Rank != state.RankInfinite

	rn.Rank = dio.Rank
	rn.Dtsn = dio.Dtsn
	rn.DodagId = dio.DodagId
	rn.DodagVersion = dio.Version
	rn.Config = state.DodagConfig{
		DioIntMin:       r.Conf.DioIntervalMin,
		DioIntDoublings: r.Conf.DioIntervalDoublings,
		DioRedundancy:   r.Conf.DioRedundancy,
		MaxRankInc:      r.Conf.MaxRankIncrease,
		MinHopRankInc:   r.Conf.MinHopRankIncrease,
		Ocp:             r.Conf.Ocp,
		DefaultLifetime: r.Conf.DefaultLifetime,
		LifetimeUnit:    r.Conf.LifetimeUnit,
	}
	n.GUA = guaFromDodag(r.DodagId, n.EUI64)
	n.Refresh()

	if rn.IsParent {
		Get[*Join](s).RefreshPanTimeout(s)
		// RFC 6550 9.6: a parent's DTSN increment requests a new DAO.
		if dio.Dtsn != prevDtsn {
			r.StartDao(s)
		}
		if dio.Rank == state.RankInfinite {
			consistent = false
		}
	}

	if r.DioTkl.Running() {
		if consistent && hadRank {
			r.DioTkl.Consistent()
		} else if !consistent {
			r.DioTkl.Inconsistent()
		}
	}
	return r.UpdateParent(s)
}

func (r *Rpl) adoptConf(s *state.State, conf *rpl.DodagConf) {
	r.Conf = *conf
	r.dioTklCfg = state.TrickleCfg{
		Imin: conf.DioImin(),
		Imax: conf.DioImax(),
		K:    int(conf.DioRedundancy),
	}
}

func (r *Rpl) recvDaoAck(s *state.State, src netip.Addr, ack *rpl.DaoAck) error {
	parent := PrefParent(s)
	if !r.Running || parent == nil {
		s.Log.Debug("drop rpl-dao-ack: no registration in progress")
		return nil
	}
	if ack.InstanceId != r.InstanceId || ack.Sequence != r.daoSeq {
		s.Log.Debug("drop rpl-dao-ack: sequence mismatch",
			"sequence", ack.Sequence, "expected", r.daoSeq)
		return nil
	}
	if !ack.Accepted() {
		s.Log.Warn("rpl: dao rejected", "status", ack.Status)
		return r.DenyNeighbor(s, parent)
	}

	s.Log.Debug("rpl: dao acked", "sequence", ack.Sequence)
	r.DaoTxAlg.Stop()
	parent.Rpl.DaoAckReceived = true
	if lifetime := r.Conf.PathLifetime(); lifetime > 0 {
		r.DaoRefreshTimer.StartRel(lifetime / 2)
	}
	Get[*Join](s).RefreshPanTimeout(s)
	return Get[*Join](s).Transition(s, EvRoutingSuccess)
}

// UpdateParent re-runs parent selection and propagates a change into
// routing, registration and the join FSM.
func (r *Rpl) UpdateParent(s *state.State) error {
	old := PrefParent(s)
	next := r.Mrhof.SelectParent(s)
	if next == old {
		return nil
	}
	perf.ParentSwitches.Add(1)
	if old != nil {
		s.Log.Info("rpl: parent lost", "eui64", old.EUI64)
	}

	r.DaoTxAlg.Stop()
	r.DaoRefreshTimer.Stop()
	r.AroTimer.Stop()

	routes := Get[*Routes](s)
	if next == nil {
		routes.ClearDefaultRoute(s)
		return r.Mrhof.OnPrefParentChange(s, nil)
	}

	s.Log.Info("rpl: parent selected", "eui64", next.EUI64,
		"rank", next.Rpl.Rank, "path_cost", r.Mrhof.PathCost(next))
	next.Rpl.DaoAckReceived = false
	routes.SetDefaultRoute(s, next.LinkLocal)
	// Registration starts with the address registration to the new
	// parent; the NA confirming it triggers the DAO to the root.
	if Get[*Dhcp](s).Addr.IsValid() {
		s.SetNudState(next, state.NudProbe)
	}
	return r.Mrhof.OnPrefParentChange(s, next)
}

// SendDio multicasts our own view of the DODAG. The advertised rank is
// recomputed on every transmission and pins the rank bound.
func (r *Rpl) SendDio(s *state.State) error {
	rank := r.Mrhof.Rank(s)
	if rank < r.Mrhof.LowestAdvertisedRank {
		r.Mrhof.LowestAdvertisedRank = rank
	}
	conf := r.Conf
	return r.Transport.SendMulticast(&rpl.Dio{
		InstanceId: r.InstanceId,
		Version:    r.DodagVersion,
		Rank:       rank,
		Grounded:   true,
		Mop:        rpl.MopNonStoring,
		Dtsn:       r.Dtsn,
		DodagId:    r.DodagId,
		Conf:       &conf,
	})
}

func (r *Rpl) sendDao(s *state.State) error {
	parent := PrefParent(s)
	addr := Get[*Dhcp](s).Addr
	if parent == nil || !addr.IsValid() {
		s.Log.Debug("rpl: dao postponed, no registration target")
		return nil
	}
	return r.Transport.Send(r.DodagId, &rpl.Dao{
		InstanceId: r.InstanceId,
		ExpectAck:  true,
		Sequence:   r.daoSeq,
		DodagId:    r.DodagId,
		Targets:    []netip.Addr{addr},
		Transit: &rpl.TransitInfo{
			PathSequence: r.pathSeq,
			PathLifetime: r.Conf.DefaultLifetime,
			Parent:       parent.GUA,
		},
	})
}

// SendDaoNoPath tells the root we are leaving, RFC 6550 6.7.8: a
// transit option with lifetime 0 invalidates the route. Sent once,
// without retries; we are going away either way.
func (r *Rpl) SendDaoNoPath(s *state.State, parent *state.Neighbor) error {
	addr := Get[*Dhcp](s).Addr
	if !addr.IsValid() {
		return nil
	}
	r.daoSeq = lollipopInc(r.daoSeq)
	r.pathSeq = lollipopInc(r.pathSeq)
	return r.Transport.Send(r.DodagId, &rpl.Dao{
		InstanceId: r.InstanceId,
		Sequence:   r.daoSeq,
		DodagId:    r.DodagId,
		Targets:    []netip.Addr{addr},
		Transit: &rpl.TransitInfo{
			PathSequence: r.pathSeq,
			PathLifetime: 0,
			Parent:       parent.GUA,
		},
	})
}

// DenyNeighbor bars n from parent selection for the configured period
// and reselects. Used when an exchange through the parent keeps failing
// even though the link looks fine.
func (r *Rpl) DenyNeighbor(s *state.State, n *state.Neighbor) error {
	if n.Rpl == nil {
		return nil
	}
	s.Log.Info("rpl: neighbor denied", "eui64", n.EUI64,
		"period", s.Cfg.ParentDenyPeriod())
	n.Rpl.DenyTimer.StartRel(s.Cfg.ParentDenyPeriod())
	return r.UpdateParent(s)
}

// AroConfirm handles the registration outcome reported by the parent in
// a Neighbor Advertisement's ARO, Wi-SUN FAN 1.1v09 6.2.3.1.4.1.
func (r *Rpl) AroConfirm(s *state.State, n *state.Neighbor, status uint8) error {
	if status != 0 {
		s.Log.Warn("rpl: address registration rejected",
			"eui64", n.EUI64, "status", status)
		return r.DenyNeighbor(s, n)
	}
	if n.Rpl == nil || !n.Rpl.IsParent {
		return nil
	}
	r.AroTimer.StartRel(state.AroLifetime / 2)
	if !n.Rpl.DaoAckReceived && r.DaoTxAlg.Stopped() {
		r.StartDao(s)
	}
	return nil
}

func (r *Rpl) onNeighUnreachable(s *state.State, n *state.Neighbor) error {
	s.Log.Info("neigh-ipv6 unreachable", "eui64", n.EUI64)
	wasParent := n.Rpl != nil && n.Rpl.IsParent
	s.RemoveNeighbor(n.EUI64)
	if wasParent && r.Running {
		return r.UpdateParent(s)
	}
	return nil
}

// guaFromDodag builds a neighbor's global address from the DODAG /64
// prefix and its EUI-64 derived interface identifier.
func guaFromDodag(dodagId netip.Addr, eui64 state.EUI64) netip.Addr {
	if !dodagId.IsValid() {
		return netip.Addr{}
	}
	b := dodagId.As16()
	ll := eui64.LinkLocal().As16()
	copy(b[8:], ll[8:])
	return netip.AddrFrom16(b)
}
