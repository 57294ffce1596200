package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/weftnet/weft/core"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"inspect", "i"},
	Short:   "Inspect the running router",
	Run: func(cmd *cobra.Command, args []string) {
		request("inspect")
	},
}

var joinMulticastCmd = &cobra.Command{
	Use:   "join-multicast <group>",
	Short: "Subscribe the node to an IPv6 multicast group",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		request("join_multicast=" + args[0])
	},
}

var leaveMulticastCmd = &cobra.Command{
	Use:   "leave-multicast <group>",
	Short: "Unsubscribe the node from an IPv6 multicast group",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		request("leave_multicast=" + args[0])
	},
}

var resetTxCmd = &cobra.Command{
	Use:   "reset-tx-duration",
	Short: "Zero the duty-cycle transmit time counter",
	Run: func(cmd *cobra.Command, args []string) {
		request("reset_tx_duration")
	},
}

var revokeKeysCmd = &cobra.Command{
	Use:   "revoke-keys",
	Short: "Revoke the group keys (authenticator only)",
	Long:  `Shortens the remaining lifetime of the installed group keys and schedules fresh ones, cutting revoked nodes off once the old keys lapse.`,
	Run: func(cmd *cobra.Command, args []string) {
		request("revoke_gtks")
	},
}

func request(cmd string) {
	result, err := core.Request(socketPath, cmd)
	if err != nil {
		fmt.Println("Error:", err.Error())
		os.Exit(1)
	}
	fmt.Print(result)
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(joinMulticastCmd)
	rootCmd.AddCommand(leaveMulticastCmd)
	rootCmd.AddCommand(resetTxCmd)
	rootCmd.AddCommand(revokeKeysCmd)
}
