package auth

import (
	"crypto/rand"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/weftnet/weft/state"
	"github.com/weftnet/weft/storage"
)

// KeyObserver receives group key material changes. A nil key reports the
// slot expired; activate reports that keyIndex became the transmit key.
// keyIndex is 1-based like the key index of the MAC auxiliary security
// header.
type KeyObserver interface {
	GtkChange(s *state.State, key []byte, frameCounter uint32, keyIndex int, activate bool) error
}

// Slots with an infinite lifetime still need a running expiration timer,
// since liveness is tracked through it.
var timeInfinite = time.Unix(0, math.MaxInt64)

type GroupCfg struct {
	// ExpireOffset 0 gives keys an infinite lifetime.
	ExpireOffset time.Duration
	// Percentage of ExpireOffset after which the next key must be
	// pre-staged.
	NewInstallRequired int
	// The next key activates ExpireOffset/NewInstallRequired before the
	// active one expires.
	NewActivationTime int
}

// Group is one independent rotation schedule: the FFN GTKs or the LFN
// LGTKs. SlotActive indexes Auth.Gtks, so LGTK slots start at GtkCount.
type Group struct {
	Name string
	Cfg  GroupCfg

	SlotActive int

	InstallTimer    *state.Timer
	ActivationTimer *state.Timer

	slotOffset int
	slotCount  int
}

// NextSlot advances circularly within the group.
func (g *Group) NextSlot(slot int) int {
	if slot+1 < g.slotOffset+g.slotCount {
		return slot + 1
	}
	return g.slotOffset
}

// Auth is the authenticator: it owns the group key schedule and the
// security conversations with supplicants.
type Auth struct {
	EUI64 state.EUI64

	Observer  KeyObserver
	Transport EapolTransport
	Handler   EapolHandler

	// Initial key material installed on first start, lowest slots
	// first. All-zero entries are skipped.
	GtkInit [state.GtkCount + state.LgtkCount][16]byte

	Gtks      [state.GtkCount + state.LgtkCount]Gtk
	GtkGroup  Group
	LgtkGroup Group

	env         *state.Env
	store       *storage.Store
	supplicants map[state.EUI64]*SuppCtx
	timers      state.TimerGroup
}

func New(env *state.Env, store *storage.Store) *Auth {
	a := &Auth{
		env:         env,
		store:       store,
		supplicants: make(map[state.EUI64]*SuppCtx),
		GtkGroup: Group{
			Name: "gtk",
			Cfg: GroupCfg{
				ExpireOffset:       env.Cfg.GtkExpireOffset(),
				NewInstallRequired: env.Cfg.GtkNewInstallRequired,
				NewActivationTime:  env.Cfg.GtkNewActivationTime,
			},
			slotOffset: 0,
			slotCount:  state.GtkCount,
			SlotActive: 0,
		},
		LgtkGroup: Group{
			Name: "lgtk",
			Cfg: GroupCfg{
				ExpireOffset:       env.Cfg.LgtkExpireOffset(),
				NewInstallRequired: env.Cfg.LgtkNewInstallRequired,
				NewActivationTime:  env.Cfg.LgtkNewActivationTime,
			},
			slotOffset: state.GtkCount,
			slotCount:  state.LgtkCount,
			SlotActive: state.GtkCount,
		},
	}
	for i := range a.Gtks {
		a.Gtks[i].ExpirationTimer = state.NewTimer(env, &a.timers, func(s *state.State) error {
			return a.expireSlot(s, i)
		})
	}
	for _, g := range []*Group{&a.GtkGroup, &a.LgtkGroup} {
		g.InstallTimer = state.NewTimer(env, &a.timers, func(s *state.State) error {
			return a.InstallGtk(s, g, g.NextSlot(g.SlotActive), nil)
		})
		g.ActivationTimer = state.NewTimer(env, &a.timers, func(s *state.State) error {
			g.SlotActive = g.NextSlot(g.SlotActive)
			return a.ActivateNextGtk(s, g)
		})
	}
	return a
}

func (a *Auth) group(slot int) *Group {
	if slot < state.GtkCount {
		return &a.GtkGroup
	}
	return &a.LgtkGroup
}

// The most recently installed slot is the one expiring last.
func (a *Auth) slotLatest(g *Group) int {
	slotLatest := g.slotOffset
	var maxExpire time.Time
	for i := g.slotOffset; i < g.slotOffset+g.slotCount; i++ {
		expire := a.Gtks[i].ExpirationTimer.Deadline()
		if !expire.Before(maxExpire) {
			maxExpire = expire
			slotLatest = i
		}
	}
	return slotLatest
}

// A key is acceptable when it is neither all-zero nor already installed
// in its group.
func (a *Auth) gtkValid(g *Group, gtk [16]byte) bool {
	if gtk == ([16]byte{}) {
		return false
	}
	for i := g.slotOffset; i < g.slotOffset+g.slotCount; i++ {
		if a.Gtks[i].Key == gtk {
			return false
		}
	}
	return true
}

func (a *Auth) expireSlot(s *state.State, slot int) error {
	if a.Observer != nil {
		if err := a.Observer.GtkChange(s, nil, 0, slot+1, false); err != nil {
			return err
		}
	}
	s.Log.Debug("sec: expired", "slot", GtkName(slot))
	a.Gtks[slot].Clear()
	return a.storeKeys(true)
}

// InstallGtk writes key material into a slot. A nil key installs a fresh
// random one, retried against all-zero and collisions.
func (a *Auth) InstallGtk(s *state.State, g *Group, slotInstall int, gtk *[16]byte) error {
	latest := &a.Gtks[a.slotLatest(g)]
	slot := &a.Gtks[slotInstall]

	if gtk != nil {
		if !a.gtkValid(g, *gtk) {
			return fmt.Errorf("invalid %s", GtkName(slotInstall))
		}
		slot.Key = *gtk
	} else {
		var fresh [16]byte
		for {
			rand.Read(fresh[:])
			if a.gtkValid(g, fresh) {
				break
			}
		}
		slot.Key = fresh
	}
	slot.FrameCounter = 0

	/*
	 *   Wi-SUN FAN 1.1v09 6.3.1.1 Configuration Parameters
	 * GTK_EXPIRE_OFFSET: The expiration time of a GTK is calculated as the
	 * expiration time of the GTK most recently installed at the Border
	 * Router plus GTK_EXPIRE_OFFSET.
	 */
	start := a.env.Now()
	if !latest.ExpirationTimer.Stopped() {
		start = latest.ExpirationTimer.Deadline()
	}
	if g.Cfg.ExpireOffset > 0 {
		slot.ExpirationTimer.StartAbs(start.Add(g.Cfg.ExpireOffset))
	} else {
		slot.ExpirationTimer.StartAbs(timeInfinite)
	}

	/*
	 *   Wi-SUN FAN 1.1v09 6.3.1.1 Configuration Parameters
	 * GTK_NEW_INSTALL_REQUIRED: The amount of time elapsed in the active
	 * GTK's lifetime at which a new GTK must be installed, supporting
	 * overlapping lifespans. Computed against GTK_EXPIRE_OFFSET rather
	 * than the full lifetime so the timings stay consistent.
	 */
	if g.Cfg.ExpireOffset > 0 {
		g.InstallTimer.StartAbs(start.Add(g.Cfg.ExpireOffset * time.Duration(g.Cfg.NewInstallRequired) / 100))
	}

	if a.Observer != nil {
		if err := a.Observer.GtkChange(s, slot.Key[:], slot.FrameCounter, slotInstall+1, false); err != nil {
			return err
		}
	}
	if err := a.storeKeys(true); err != nil {
		return err
	}
	s.Log.Debug("sec: installed", "slot", GtkName(slotInstall),
		"key", fmt.Sprintf("%x", slot.Key),
		"expiration", slot.ExpirationTimer.Deadline())
	s.Log.Debug("sec: next installation", "group", g.Name, "at", g.InstallTimer.Deadline())
	return nil
}

/*
 *   Wi-SUN FAN 1.1v09 6.3.1.1 Configuration Parameters
 * GTK_NEW_ACTIVATION_TIME: The time at which the Border Router activates
 * the next GTK prior to expiration of the currently activated GTK.
 * Expressed as a fraction (1/X) of GTK_EXPIRE_OFFSET.
 */
func (a *Auth) ActivateNextGtk(s *state.State, g *Group) error {
	expire := a.Gtks[g.SlotActive].ExpirationTimer.Deadline()

	if g.Cfg.ExpireOffset > 0 {
		g.ActivationTimer.StartAbs(expire.Add(-g.Cfg.ExpireOffset / time.Duration(g.Cfg.NewActivationTime)))
	}
	if a.Observer != nil {
		if err := a.Observer.GtkChange(s, nil, 0, g.SlotActive+1, true); err != nil {
			return err
		}
	}
	if err := a.storeKeys(true); err != nil {
		return err
	}
	s.Log.Debug("sec: activated", "slot", GtkName(g.SlotActive),
		"key", fmt.Sprintf("%x", a.Gtks[g.SlotActive].Key))
	s.Log.Debug("sec: next activation", "group", g.Name, "at", g.ActivationTimer.Deadline())
	return nil
}

/*
 *   Wi-SUN FAN 1.1v09 6.5.2.5 Revocation of Node Access
 * a. If the remaining lifetime of the currently active L/GTK is greater
 * than (lifetime / LIFETIME_REDUCTION), destroy all L/GTKs except the
 * currently active L/GTK, modify its lifetime to be
 * (lifetime / LIFETIME_REDUCTION), and add a new L/GTK.
 *
 * b. Otherwise, destroy all L/GTKs except the currently active and the
 * next available L/GTK, modify the lifetime of the next available L/GTK
 * to be (lifetime / LIFETIME_REDUCTION), and add a new L/GTK.
 */
func (a *Auth) RevokeGtks(s *state.State, g *Group, gtk *[16]byte) error {
	if gtk != nil && !a.gtkValid(g, *gtk) {
		return fmt.Errorf("invalid %s replacement key", g.Name)
	}

	reduced := g.Cfg.ExpireOffset / time.Duration(state.RevocationLifetimeReduction)
	activeRemaining := a.Gtks[g.SlotActive].ExpirationTimer.Remaining()

	var slotLatest int
	if activeRemaining > reduced {
		for i := g.slotOffset; i < g.slotOffset+g.slotCount; i++ {
			if i == g.SlotActive || a.Gtks[i].ExpirationTimer.Stopped() {
				continue
			}
			if err := a.expireSlot(s, i); err != nil {
				return err
			}
		}
		activeRemaining = reduced
		slotLatest = g.SlotActive
	} else {
		next := g.NextSlot(g.SlotActive)
		for i := g.slotOffset; i < g.slotOffset+g.slotCount; i++ {
			if i == g.SlotActive || i == next || a.Gtks[i].ExpirationTimer.Stopped() {
				continue
			}
			if err := a.expireSlot(s, i); err != nil {
				return err
			}
		}
		slotLatest = next
	}

	a.Gtks[slotLatest].ExpirationTimer.StartRel(reduced)
	s.Log.Debug("sec: reduced expiration", "slot", GtkName(slotLatest),
		"expiration", a.Gtks[slotLatest].ExpirationTimer.Deadline())
	if err := a.InstallGtk(s, g, g.NextSlot(slotLatest), gtk); err != nil {
		return err
	}
	g.ActivationTimer.StartRel(activeRemaining - g.Cfg.ExpireOffset/time.Duration(g.Cfg.NewActivationTime))
	s.Log.Debug("sec: next activation", "group", g.Name, "at", g.ActivationTimer.Deadline())
	return nil
}

// UpdateFrameCounter records the current TX frame counter under a key so
// a restart cannot reuse counter values.
func (a *Auth) UpdateFrameCounter(keyIndex int, frameCounter uint32) {
	if !a.Gtks[keyIndex-1].Installed() {
		return
	}
	a.Gtks[keyIndex-1].FrameCounter = frameCounter
	if err := a.storeKeys(false); err != nil {
		a.env.Log.Warn("sec: store keys", "err", err)
	}
}

func (a *Auth) installFromInit(s *state.State, g *Group) error {
	gap := false
	for i := g.slotOffset; i < g.slotOffset+g.slotCount; i++ {
		if a.GtkInit[i] == ([16]byte{}) {
			gap = true
			continue
		}
		if gap {
			return fmt.Errorf("%s requires %s", GtkName(i), GtkName(i-1))
		}
		if err := a.InstallGtk(s, g, i, &a.GtkInit[i]); err != nil {
			return fmt.Errorf("duplicate %s", GtkName(i))
		}
	}
	return nil
}

// Start brings the authenticator up: previous state is replayed from
// storage when present, otherwise the first keys are installed and
// activated.
func (a *Auth) Start(s *state.State, eui64 state.EUI64, enableLfn bool) error {
	if a.Transport == nil {
		panic("auth: no transport")
	}
	a.EUI64 = eui64

	loaded, err := a.loadKeys(s)
	if err != nil {
		return err
	}
	if loaded {
		if a.GtkInit != ([state.GtkCount + state.LgtkCount][16]byte{}) {
			return fmt.Errorf("cannot hardcode (l)gtk value while loading previous authenticator context from storage")
		}
		a.loadSupplicants(s)
		return a.storeKeys(true)
	}

	hasInit := false
	for i := 0; i < state.GtkCount; i++ {
		hasInit = hasInit || a.GtkInit[i] != ([16]byte{})
	}
	if hasInit {
		if err := a.installFromInit(s, &a.GtkGroup); err != nil {
			return err
		}
	} else if err := a.InstallGtk(s, &a.GtkGroup, a.GtkGroup.SlotActive, nil); err != nil {
		return err
	}
	if err := a.ActivateNextGtk(s, &a.GtkGroup); err != nil {
		return err
	}

	if enableLfn {
		hasInit = false
		for i := state.GtkCount; i < state.GtkCount+state.LgtkCount; i++ {
			hasInit = hasInit || a.GtkInit[i] != ([16]byte{})
		}
		if hasInit {
			if err := a.installFromInit(s, &a.LgtkGroup); err != nil {
				return err
			}
		} else if err := a.InstallGtk(s, &a.LgtkGroup, a.LgtkGroup.SlotActive, nil); err != nil {
			return err
		}
		if err := a.ActivateNextGtk(s, &a.LgtkGroup); err != nil {
			return err
		}
	}
	return a.storeKeys(true)
}

// Stop cancels every schedule and retry timer.
func (a *Auth) Stop() {
	a.timers.StopAll()
}

// A stopped timer persists as 0, which reads back as lapsed.
func timerMs(t *state.Timer) int64 {
	if t.Stopped() {
		return 0
	}
	return t.Deadline().UnixMilli()
}

func (a *Auth) storeKeys(force bool) error {
	pmkPrefix := [2]string{"pmk", "lpmk"}
	ptkPrefix := [2]string{"ptk", "lptk"}

	w := a.store.NewWriter("network-keys")
	w.SetBytes("eui64", a.EUI64[:])
	w.Blank()

	for gi, g := range []*Group{&a.GtkGroup, &a.LgtkGroup} {
		w.Set(g.Name+".active_slot", g.SlotActive-g.slotOffset)
		w.Set(g.Name+".next_installation_timestamp_ms", timerMs(g.InstallTimer))
		w.Set(g.Name+".next_activation_timestamp_ms", timerMs(g.ActivationTimer))
		w.Comment(" For information:")
		w.Comment("%s.expire_offset_s = %d", g.Name, int(g.Cfg.ExpireOffset.Seconds()))
		w.Comment("%s.new_install_required = %d", g.Name, g.Cfg.NewInstallRequired)
		w.Comment("%s.new_activation_time = %d", g.Name, g.Cfg.NewActivationTime)
		w.Comment("%s.lifetime_s = %d", pmkPrefix[gi], int(a.env.Cfg.PmkLifetime().Seconds()))
		w.Comment("%s.lifetime_s = %d", ptkPrefix[gi], int(a.env.Cfg.PtkLifetime().Seconds()))
		w.Blank()
	}

	for i := range a.Gtks {
		if !a.Gtks[i].Installed() {
			continue
		}
		w.SetBytes(GtkName(i), a.Gtks[i].Key[:])
		w.Set(GtkName(i)+".expiration_timestamp_ms", timerMs(a.Gtks[i].ExpirationTimer))
		w.Set(GtkName(i)+".frame_counter", a.Gtks[i].FrameCounter)
		w.Blank()
	}
	return w.Commit(force)
}

func (a *Auth) loadKeys(s *state.State) (bool, error) {
	entries, err := a.store.Load("network-keys")
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var expirations [state.GtkCount + state.LgtkCount]int64
	var nextInstall, nextActivation [2]int64
	groups := [2]*Group{&a.GtkGroup, &a.LgtkGroup}

	for _, e := range entries {
		if e.Pattern == "eui64" {
			b, err := e.Bytes(8)
			if err != nil {
				return false, fmt.Errorf("network-keys: invalid eui64: %w", err)
			}
			if state.EUI64(b) != a.EUI64 {
				return false, fmt.Errorf("eui64 mismatch between current and previous state loaded from storage")
			}
			continue
		}

		gi, pattern := 0, ""
		if cut, ok := trimGroupPrefix(e.Pattern, "lgtk"); ok {
			gi, pattern = 1, cut
		} else if cut, ok := trimGroupPrefix(e.Pattern, "gtk"); ok {
			gi, pattern = 0, cut
		} else {
			s.Log.Warn("storage: invalid key", "file", "network-keys", "key", e.Pattern)
			continue
		}
		g := groups[gi]
		if pattern[0] == '[' && e.Index >= g.slotCount {
			s.Log.Warn("storage: invalid key", "file", "network-keys", "key", e.Pattern)
			continue
		}
		slot := g.slotOffset + e.Index

		switch pattern {
		case ".active_slot":
			v, err := e.Uint(8)
			if err != nil {
				s.Log.Warn("storage: invalid value", "file", "network-keys", "key", e.Pattern, "err", err)
				continue
			}
			g.SlotActive = g.slotOffset + int(v)
		case ".next_installation_timestamp_ms":
			v, err := e.Uint(63)
			if err != nil {
				s.Log.Warn("storage: invalid value", "file", "network-keys", "key", e.Pattern, "err", err)
				continue
			}
			nextInstall[gi] = int64(v)
		case ".next_activation_timestamp_ms":
			v, err := e.Uint(63)
			if err != nil {
				s.Log.Warn("storage: invalid value", "file", "network-keys", "key", e.Pattern, "err", err)
				continue
			}
			nextActivation[gi] = int64(v)
		case "[*]":
			b, err := e.Bytes(16)
			if err != nil {
				return false, fmt.Errorf("network-keys: invalid key %s: %w", e.Pattern, err)
			}
			a.Gtks[slot].Key = [16]byte(b)
		case "[*].expiration_timestamp_ms":
			v, err := e.Uint(63)
			if err != nil {
				s.Log.Warn("storage: invalid value", "file", "network-keys", "key", e.Pattern, "err", err)
				continue
			}
			expirations[slot] = int64(v)
		case "[*].frame_counter":
			v, err := e.Uint(32)
			if err != nil {
				s.Log.Warn("storage: invalid value", "file", "network-keys", "key", e.Pattern, "err", err)
				continue
			}
			// Stay ahead of counters used after the last sync.
			a.Gtks[slot].FrameCounter = add32sat(uint32(v), state.FrameCounterJump)
		default:
			s.Log.Warn("storage: invalid key", "file", "network-keys", "key", e.Pattern)
		}
	}

	a.loadGtks(s, &expirations)
	for gi, g := range groups {
		a.loadGroup(s, g, nextInstall[gi], nextActivation[gi])
	}
	return true, nil
}

func (a *Auth) loadGtks(s *state.State, expirations *[state.GtkCount + state.LgtkCount]int64) {
	now := a.env.Now()
	for i := range a.Gtks {
		if expirations[i] == 0 {
			continue
		}
		expire := time.UnixMilli(expirations[i])
		if !now.Before(expire) {
			s.Log.Warn("sec: expired while down", "slot", GtkName(i))
			a.Gtks[i].Clear()
			continue
		}
		a.Gtks[i].ExpirationTimer.StartAbs(expire)
		activate := a.group(i).SlotActive == i
		s.Log.Debug("sec: installed", "slot", GtkName(i),
			"key", fmt.Sprintf("%x", a.Gtks[i].Key), "expiration", expire)
		if activate {
			s.Log.Debug("sec: activated", "slot", GtkName(i),
				"key", fmt.Sprintf("%x", a.Gtks[i].Key))
		}
		if a.Observer != nil {
			if err := a.Observer.GtkChange(s, a.Gtks[i].Key[:], a.Gtks[i].FrameCounter, i+1, activate); err != nil {
				s.Log.Warn("sec: gtk change", "err", err)
			}
		}
	}
}

// Schedules that lapsed while the process was down are replayed
// immediately.
func (a *Auth) loadGroup(s *state.State, g *Group, nextInstall, nextActivation int64) {
	now := a.env.Now()
	if installAt := time.UnixMilli(nextInstall); !now.Before(installAt) {
		s.Log.Warn("sec: next installation missed, installing new key", "group", g.Name)
		g.SlotActive = g.NextSlot(g.SlotActive)
		if err := a.InstallGtk(s, g, g.SlotActive, nil); err != nil {
			s.Log.Warn("sec: install", "err", err)
		}
	} else {
		g.InstallTimer.StartAbs(installAt)
		s.Log.Debug("sec: next installation", "group", g.Name, "at", installAt)
	}
	if activateAt := time.UnixMilli(nextActivation); !now.Before(activateAt) {
		s.Log.Warn("sec: next activation missed, activating new key", "group", g.Name)
		if err := a.ActivateNextGtk(s, g); err != nil {
			s.Log.Warn("sec: activate", "err", err)
		}
	} else {
		g.ActivationTimer.StartAbs(activateAt)
		s.Log.Debug("sec: next activation", "group", g.Name, "at", activateAt)
	}
}

func trimGroupPrefix(key, name string) (string, bool) {
	if len(key) >= len(name) && key[:len(name)] == name {
		rest := key[len(name):]
		if rest == "" {
			return "", false
		}
		if rest[0] == '.' || rest[0] == '[' {
			return rest, true
		}
	}
	return "", false
}

func add32sat(a, b uint32) uint32 {
	if a > math.MaxUint32-b {
		return math.MaxUint32
	}
	return a + b
}
