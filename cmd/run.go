package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/weftnet/weft/core"
	"github.com/weftnet/weft/ndp"
	"github.com/weftnet/weft/radio"
	"github.com/weftnet/weft/rpl"
	"github.com/weftnet/weft/state"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the router daemon",
	Long:  `This runs the router on the current host. It needs enough privileges for raw ICMPv6 sockets and route manipulation.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := core.ReadConfig(configPath)
		if err != nil {
			panic(err)
		}
		if socketPath != "" {
			cfg.IpcSocket = socketPath
		}

		level := slog.LevelInfo
		if ok, _ := cmd.Flags().GetBool("verbose"); ok {
			level = slog.LevelDebug
		}

		err = core.Start(cfg, level, buildDeps)
		if err != nil {
			panic(err)
		}
	},
}

func buildDeps(env *state.Env) (core.Deps, error) {
	r, err := radio.New(env, env.Cfg.MacAddress)
	if err != nil {
		return core.Deps{}, err
	}
	rplT, err := rpl.NewTransport(env, env.Cfg.TunDevice)
	if err != nil {
		return core.Deps{}, err
	}
	ndpT, err := ndp.NewTransport(env, env.Cfg.TunDevice)
	if err != nil {
		return core.Deps{}, err
	}
	dhcpT, err := core.NewDhcpTransport(env, env.Cfg.TunDevice)
	if err != nil {
		return core.Deps{}, err
	}
	sys, err := core.NewRouteSys(env.Cfg.TunDevice)
	if err != nil {
		return core.Deps{}, err
	}
	return core.Deps{
		Radio: r,
		Rpl:   rplT,
		Ndp:   ndpT,
		Dhcp:  dhcpT,
		Sys:   sys,
	}, nil
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
}
