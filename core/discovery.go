package core

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/weftnet/weft/auth"
	"github.com/weftnet/weft/perf"
	"github.com/weftnet/weft/state"
)

// Discovery runs the PAN discovery and advertisement exchanges,
// Wi-SUN FAN 1.1v09 6.3.4.6.3: trickle-timed solicit frames while
// searching, advertisement frames once joined, and the PAN selection
// policy in between.
type Discovery struct {
	Radio Radio

	PasTkl *state.Trickle
	PaTkl  *state.Trickle
	PcsTkl *state.Trickle
	PcTkl  *state.Trickle

	// PAN Config Solicits transmitted since the last configuration was
	// heard; past PcsMax the PAN counts as lost.
	PcsCount int

	// GTK hashes from the most recent PAN Configuration, replayed
	// against the supplicant when the EAPOL target changes.
	LastGtkHashes [state.GtkCount][8]byte
	HaveGtkHashes bool

	discTklCfg state.TrickleCfg
	candidates *ttlcache.Cache[state.EUI64, PanAdvert]
	// Closed when the candidate expiration goroutine exits.
	candidatesDone chan struct{}
	// Arms on the first eligible PAN Advertisement, fires the selection.
	selectTimer *state.Timer
	timers      state.TimerGroup
}

func (d *Discovery) Init(s *state.State) error {
	d.discTklCfg = state.TrickleCfg{
		Imin: s.Cfg.DiscImin(),
		Imax: s.Cfg.DiscImax(),
		K:    s.Cfg.DiscK,
	}
	d.PasTkl = state.NewTrickle(s.Env, "pas", &d.discTklCfg, func(s *state.State) error {
		return d.Radio.SendPanAdvertSolicit()
	})
	d.PaTkl = state.NewTrickle(s.Env, "pa", &d.discTklCfg, d.sendPa)
	d.PcsTkl = state.NewTrickle(s.Env, "pcs", &d.discTklCfg, d.sendPcs)
	d.PcTkl = state.NewTrickle(s.Env, "pc", &d.discTklCfg, d.sendPc)

	d.candidates = ttlcache.New[state.EUI64, PanAdvert](
		ttlcache.WithTTL[state.EUI64, PanAdvert](2*s.Cfg.DiscImax()),
		ttlcache.WithDisableTouchOnHit[state.EUI64, PanAdvert](),
	)
	d.candidatesDone = make(chan struct{})
	go func() {
		defer close(d.candidatesDone)
		d.candidates.Start()
	}()

	d.selectTimer = state.NewTimer(s.Env, &d.timers, d.selectPan)
	return nil
}

func (d *Discovery) Cleanup(s *state.State) error {
	d.PasTkl.Stop()
	d.PaTkl.Stop()
	d.PcsTkl.Stop()
	d.PcTkl.Stop()
	d.timers.StopAll()
	// Stop is a no-op until the expiration goroutine has made it into
	// Start, so keep nudging until the goroutine is seen exiting.
	for {
		d.candidates.Stop()
		select {
		case <-d.candidatesDone:
			return nil
		case <-time.After(time.Millisecond):
		}
	}
}

// RecvPanAdvert handles a PAN Advertisement. While unjoined it feeds the
// candidate set; once joined it only keeps the neighbor entry fresh.
func (d *Discovery) RecvPanAdvert(s *state.State, adv PanAdvert) error {
	if s.Cfg.MacFiltered(adv.Source) {
		s.Log.Debug("drop pan-advert: filtered", "eui64", adv.Source)
		return nil
	}
	perf.PanAdvertsRx.Add(1)
	n := s.AddNeighbor(adv.Source)
	n.PanId = adv.PanId
	n.PanSize = adv.PanSize
	n.RoutingCost = adv.RoutingCost
	n.SampleRslIn(adv.RslDbm)
	n.Refresh()

	if s.Pan.PanId != 0xffff {
		if adv.PanId == s.Pan.PanId {
			s.Pan.PanSize = adv.PanSize
			if d.PaTkl.Running() {
				d.PaTkl.Consistent()
			}
		}
		return nil
	}

	d.candidates.Set(adv.Source, adv, ttlcache.DefaultTTL)
	// give the other announcements DISC_IMIN to arrive before picking
	if adv.RoutingCost != 0xffff && d.selectTimer.Stopped() {
		d.selectTimer.StartRel(s.Cfg.DiscImin())
	}
	return nil
}

// selectPan picks the best candidate heard during the collection
// window, Wi-SUN FAN 1.1v09 6.3.4.6.3.2.1: the previously joined PAN
// wins outright, otherwise lowest routing cost with PAN size as the
// tie breaker.
func (d *Discovery) selectPan(s *state.State) error {
	var best *PanAdvert
	prev := false
	for _, item := range d.candidates.Items() {
		adv := item.Value()
		if adv.RoutingCost == 0xffff {
			continue
		}
		fromPrev := adv.PanId == s.Pan.PrevPanId && s.Pan.PrevPanId != 0xffff
		switch {
		case best == nil || (fromPrev && !prev):
		case prev && !fromPrev:
			continue
		case adv.RoutingCost > best.RoutingCost:
			continue
		case adv.RoutingCost == best.RoutingCost && adv.PanSize <= best.PanSize:
			continue
		}
		best = &adv
		prev = fromPrev
	}
	if best == nil {
		return nil
	}

	s.Log.Info("pan selected", "pan_id", best.PanId, "source", best.Source,
		"cost", best.RoutingCost, "previous", prev)
	j := Get[*Join](s)
	if err := j.AdoptPan(s, best.PanId); err != nil {
		return err
	}
	s.Pan.PanSize = best.PanSize
	j.EapolTarget = best.Source
	j.Supp.AuthEui64 = best.Source
	if prev {
		return j.Transition(s, EvPaFromPrevPan)
	}
	return j.Transition(s, EvPaFromNewPan)
}

// RecvPanConfig handles a PAN Configuration: GTK hash tracking, PAN
// version adoption and liveness.
func (d *Discovery) RecvPanConfig(s *state.State, conf PanConfig) error {
	if s.Cfg.MacFiltered(conf.Source) {
		s.Log.Debug("drop pan-config: filtered", "eui64", conf.Source)
		return nil
	}
	target := s.Pan.PanId
	if target == 0xffff {
		target = s.Pan.PrevPanId
	}
	if target == 0xffff || conf.PanId != target {
		s.Log.Debug("drop pan-config: foreign pan", "pan_id", conf.PanId)
		return nil
	}
	perf.PanConfigsRx.Add(1)
	n := s.AddNeighbor(conf.Source)
	n.SampleRslIn(conf.RslDbm)
	n.Refresh()

	j := Get[*Join](s)
	if s.Pan.PanId == 0xffff {
		// reconnecting: the previous PAN answered our solicit
		if err := j.AdoptPan(s, conf.PanId); err != nil {
			return err
		}
	}

	d.LastGtkHashes = conf.GtkHashes
	d.HaveGtkHashes = true
	d.PcsCount = 0
	if j.Supp.Running {
		j.Supp.CheckGtkhash(s, conf.GtkHashes)
	}

	switch {
	case s.Pan.PanVersion < 0:
		if err := j.SetPanVersion(s, conf.PanVersion); err != nil {
			return err
		}
		j.RefreshPanTimeout(s)
		return j.Transition(s, EvPcRx)
	case panVersionNewer(s.Pan.PanVersion, conf.PanVersion):
		if err := j.SetPanVersion(s, conf.PanVersion); err != nil {
			return err
		}
		j.RefreshPanTimeout(s)
		if d.PcTkl.Running() {
			d.PcTkl.Inconsistent()
		}
	case conf.PanVersion == s.Pan.PanVersion:
		j.RefreshPanTimeout(s)
		if d.PcTkl.Running() {
			d.PcTkl.Consistent()
		}
	default:
		// the sender lags; make sure it hears the current version soon
		if d.PcTkl.Running() {
			d.PcTkl.Inconsistent()
		}
	}
	return nil
}

// RecvPanAdvertSolicit answers a searching node by resetting the PA
// trickle.
func (d *Discovery) RecvPanAdvertSolicit(s *state.State, src state.EUI64) error {
	if s.Cfg.MacFiltered(src) {
		return nil
	}
	s.AddNeighbor(src).Refresh()
	if d.PasTkl.Running() {
		d.PasTkl.Consistent()
	}
	if d.PaTkl.Running() {
		d.PaTkl.Inconsistent()
	}
	return nil
}

// RecvPanConfigSolicit answers a reconfiguring node by resetting the PC
// trickle.
func (d *Discovery) RecvPanConfigSolicit(s *state.State, src state.EUI64, panId uint16) error {
	if s.Cfg.MacFiltered(src) {
		return nil
	}
	s.AddNeighbor(src).Refresh()
	if d.PcsTkl.Running() {
		d.PcsTkl.Consistent()
	}
	if panId == s.Pan.PanId && d.PcTkl.Running() {
		d.PcTkl.Inconsistent()
	}
	return nil
}

// SendPanConfigSolicit transmits one PCS immediately, outside the
// trickle schedule.
func (d *Discovery) SendPanConfigSolicit(s *state.State) error {
	panId := s.Pan.PanId
	if panId == 0xffff {
		panId = s.Pan.PrevPanId
	}
	return d.Radio.SendPanConfigSolicit(panId)
}

func (d *Discovery) sendPa(s *state.State) error {
	return d.Radio.SendPanAdvert(PanAdvert{
		Source:      s.EUI64,
		PanId:       s.Pan.PanId,
		RoutingCost: Get[*Rpl](s).CurrentRank(s),
		PanSize:     s.Pan.PanSize,
	})
}

func (d *Discovery) sendPcs(s *state.State) error {
	if d.PcsCount >= state.PcsMax {
		return Get[*Join](s).Transition(s, EvPcTimeout)
	}
	d.PcsCount++
	return d.SendPanConfigSolicit(s)
}

func (d *Discovery) sendPc(s *state.State) error {
	supp := Get[*Join](s).Supp
	var hashes [state.GtkCount][8]byte
	for i := 0; i < state.GtkCount; i++ {
		if supp.Gtks[i].Installed() {
			hashes[i] = auth.GtkHash(supp.Gtks[i].Key)
		}
	}
	return d.Radio.SendPanConfig(PanConfig{
		Source:     s.EUI64,
		PanId:      s.Pan.PanId,
		PanVersion: s.Pan.PanVersion,
		GtkHashes:  hashes,
	})
}

// panVersionNewer compares 16-bit PAN versions with serial number
// arithmetic, RFC 1982.
func panVersionNewer(cur, next int) bool {
	d := uint16(next) - uint16(cur)
	return d != 0 && d < 0x8000
}
