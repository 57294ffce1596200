package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	socketPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "weft",
	Short: "Wi-SUN FAN mesh router",
	Long: `Weft runs a Wi-SUN FAN router node: it discovers a PAN, authenticates,
acquires group keys and an address, and routes for the nodes below it.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/weft.yaml", "node configuration file")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/run/weft.sock", "control socket of the running daemon")
}
