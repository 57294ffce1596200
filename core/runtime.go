package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"reflect"
	"runtime"
	"syscall"
	"time"

	"github.com/encodeous/tint"
	"github.com/goccy/go-yaml"
	slogmulti "github.com/samber/slog-multi"
	"github.com/weftnet/weft/perf"
	"github.com/weftnet/weft/state"
)

// Deps are the node's external collaborators: the radio and the sockets
// the modules talk through. Production wires them up in BuildDeps; tests
// substitute recording fakes.
type Deps struct {
	Radio Radio
	Rpl   RplTransport
	Ndp   NdpTransport
	Dhcp  DhcpTransport
	Sys   RouteSys
}

// ReadConfig loads and validates a node configuration, applying
// defaults for everything the file leaves out.
func ReadConfig(configPath string) (state.Config, error) {
	cfg := state.DefaultConfig()
	file, err := os.ReadFile(configPath)
	if err != nil {
		return cfg, err
	}
	if err = yaml.Unmarshal(file, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Start brings the node up and blocks in the dispatch loop until
// shutdown. buildDeps runs once the environment exists, so transports
// can capture the dispatch channel.
func Start(cfg state.Config, logLevel slog.Level, buildDeps func(env *state.Env) (Deps, error)) error {
	ctx, cancel := context.WithCancelCause(context.Background())
	// The explicit cancel(err) calls below set the cause; this one only
	// releases the context on the error returns that precede them.
	defer cancel(nil)

	dispatch := make(chan func(env *state.State) error, 128)

	handlers := []slog.Handler{
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        logLevel,
			AddSource:    false,
			CustomPrefix: cfg.NetworkName,
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if attr.Key == "time" {
					return slog.Attr{}
				}
				return attr
			},
		}),
	}
	if cfg.LogPath != "" {
		if err := os.MkdirAll(path.Dir(cfg.LogPath), 0o700); err != nil {
			return err
		}
		f, err := os.OpenFile(cfg.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o700)
		if err != nil {
			return err
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: logLevel}))
	}
	logger := slog.New(slogmulti.Fanout(handlers...))

	s := state.State{
		Modules:   make(map[string]state.Module),
		Neighbors: make(map[state.EUI64]*state.Neighbor),
		Env: &state.Env{
			Context:         ctx,
			Cancel:          cancel,
			DispatchChannel: dispatch,
			Cfg:             cfg,
			Log:             logger,
			Now:             time.Now,
		},
	}

	deps, err := buildDeps(s.Env)
	if err != nil {
		cancel(err)
		return err
	}
	if deps.Radio == nil {
		err = fmt.Errorf("no radio")
		cancel(err)
		return err
	}
	s.EUI64 = deps.Radio.Eui64()
	s.Pan.PanId = 0xffff
	s.Pan.PrevPanId = 0xffff
	s.Pan.PanVersion = -1

	s.Log.Info("init modules", "eui64", s.EUI64)
	if err := initModules(&s, deps); err != nil {
		cancel(err)
		return err
	}

	s.Log.Info("weft is up. To gracefully exit, send SIGINT or Ctrl+C.")
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		// First signal leaves the PAN gracefully, a second one forces
		// the exit.
		graceful := false
		for {
			select {
			case <-c:
				if graceful {
					s.Cancel(errors.New("received second shutdown signal"))
					return
				}
				graceful = true
				s.Dispatch(func(s *state.State) error {
					return Get[*Join](s).Transition(s, EvDisconnect)
				})
			case <-ctx.Done():
				return
			}
		}
	}()

	return MainLoop(&s, dispatch)
}

func initModules(s *state.State, deps Deps) error {
	modules := []state.Module{
		&Routes{Sys: deps.Sys},
		&Security{Radio: deps.Radio},
		&Discovery{Radio: deps.Radio},
		&Rpl{Transport: deps.Rpl},
		&Dhcp{Transport: deps.Dhcp},
		&Ndp{Transport: deps.Ndp},
		&Datagrams{Radio: deps.Radio},
		&Ipc{},
		&Gc{},
		// Join last: its startup transition drives the others.
		&Join{Radio: deps.Radio},
	}

	for _, module := range modules {
		s.Modules[reflect.TypeOf(module).String()] = module
		if err := module.Init(s); err != nil {
			return err
		}
	}
	return nil
}

func MainLoop(s *state.State, dispatch <-chan func(*state.State) error) error {
	s.Log.Debug("started main loop")
	for {
		select {
		case fun := <-dispatch:
			if fun == nil {
				goto endLoop
			}
			start := time.Now()
			err := fun(s)
			if err != nil {
				s.Log.Error("error occurred during dispatch: ", "error", err)
				s.Cancel(err)
			}
			elapsed := time.Since(start)
			perf.DispatchLatency.Add(float64(elapsed.Microseconds()))
			if elapsed > time.Millisecond*4 {
				s.Log.Warn("dispatch took a long time!", "fun", runtime.FuncForPC(reflect.ValueOf(fun).Pointer()).Name(), "elapsed", elapsed, "len", len(dispatch))
			}
		case <-s.Context.Done():
			goto endLoop
		}
	}
endLoop:
	reason := context.Cause(s.Context)
	if reason == nil {
		reason = errors.New("dispatch channel closed")
	}
	s.Log.Info("stopped main loop", "reason", reason.Error())
	Stop(s)
	return nil
}

func Stop(s *state.State) {
	if s.Stopping.Swap(true) {
		return // don't stop twice
	}
	s.Cancel(context.Canceled)
	if s.DispatchChannel != nil {
		close(s.DispatchChannel)
		s.DispatchChannel = nil
	}
	s.Log.Info("cleaning up modules")
	for moduleName, module := range s.Modules {
		err := module.Cleanup(s)
		if err != nil {
			s.Log.Error("error occurred during Stop: ", "module", moduleName, "error", err)
		}
	}
	s.CleanNeighbors()
	s.Log.Info("stopped")
}
