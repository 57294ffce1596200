package core

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/weftnet/weft/auth"
	"github.com/weftnet/weft/state"
)

func testCoreState(t *testing.T) (*state.State, chan func(*state.State) error) {
	t.Helper()
	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(nil) })

	dispatchChan := make(chan func(*state.State) error, 128)
	env := &state.Env{
		DispatchChannel: dispatchChan,
		Cfg:             state.DefaultConfig(),
		Context:         ctx,
		Cancel:          cancel,
		Log:             slog.New(slog.DiscardHandler),
		Now:             time.Now,
	}
	s := &state.State{
		Env:       env,
		EUI64:     state.EUI64{0xaa, 0, 0, 0, 0, 0, 0, 1},
		Modules:   make(map[string]state.Module),
		Neighbors: make(map[state.EUI64]*state.Neighbor),
	}
	s.Etx.SetDefaultParams()
	s.Pan.PanId = 0xffff
	s.Pan.PrevPanId = 0xffff
	s.Pan.PanVersion = -1
	return s, dispatchChan
}

func pump(t *testing.T, s *state.State, ch chan func(*state.State) error, quiet time.Duration) {
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

type sentEapol struct {
	kmp auth.KmpId
	dst state.EUI64
	buf []byte
}

type sentData struct {
	dst   state.EUI64
	frame []byte
}

// mockRadio records everything the stack asks the MAC to do.
type mockRadio struct {
	eui64 state.EUI64
	panId uint16

	adverts        []PanAdvert
	advertSolicits int
	configs        []PanConfig
	configSolicits []uint16
	eapol          []sentEapol
	data           []sentData
	keys           map[int]*[16]byte
}

func newMockRadio(eui64 state.EUI64) *mockRadio {
	return &mockRadio{eui64: eui64, panId: 0xffff, keys: make(map[int]*[16]byte)}
}

func (r *mockRadio) Eui64() state.EUI64 { return r.eui64 }

func (r *mockRadio) SendPanAdvert(adv PanAdvert) error {
	r.adverts = append(r.adverts, adv)
	return nil
}

func (r *mockRadio) SendPanAdvertSolicit() error {
	r.advertSolicits++
	return nil
}

func (r *mockRadio) SendPanConfig(conf PanConfig) error {
	r.configs = append(r.configs, conf)
	return nil
}

func (r *mockRadio) SendPanConfigSolicit(panId uint16) error {
	r.configSolicits = append(r.configSolicits, panId)
	return nil
}

func (r *mockRadio) SendEapol(kmp auth.KmpId, dst state.EUI64, buf []byte) error {
	r.eapol = append(r.eapol, sentEapol{kmp: kmp, dst: dst, buf: append([]byte(nil), buf...)})
	return nil
}

func (r *mockRadio) SendData(dst state.EUI64, frame []byte) error {
	r.data = append(r.data, sentData{dst: dst, frame: append([]byte(nil), frame...)})
	return nil
}

func (r *mockRadio) SetKey(keyIndex int, key *[16]byte, frameCounter uint32) error {
	if key == nil {
		delete(r.keys, keyIndex)
	} else {
		k := *key
		r.keys[keyIndex] = &k
	}
	return nil
}

func (r *mockRadio) SetPanId(panId uint16) error {
	r.panId = panId
	return nil
}
