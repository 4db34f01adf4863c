package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hivepool/payoutd/config"
	"github.com/hivepool/payoutd/srv"
)

func init() {
	rootCmd.AddCommand(status)
	rootCmd.AddCommand(eligible)
	rootCmd.AddCommand(cache)

	get.AddCommand(getQueue)
	get.AddCommand(getHistory)
	get.AddCommand(getRuns)
	rootCmd.AddCommand(get)
}

func apiClient() *srv.Client {
	cl := srv.NewClient()
	cl.PayoutdServer = viper.GetString(config.Payoutd)
	return cl
}

func printJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	fmt.Println(string(data))
}

// countArg parses an optional single "count" argument, 0 meaning the
// server default.
func countArg(args []string) int {
	if len(args) == 0 {
		return 0
	}
	count, err := strconv.Atoi(args[0])
	if err != nil || count < 0 {
		fmt.Printf("invalid count %q\n", args[0])
		os.Exit(1)
	}
	return count
}

var status = &cobra.Command{
	Use:              "status",
	Short:            "Fetch the current status of the payoutd daemon",
	PersistentPreRun: always,
	PreRun:           SoftReadConfig,
	Run: func(cmd *cobra.Command, args []string) {
		var res srv.ResultGetStatus
		if err := apiClient().Request("get-status", nil, &res); err != nil {
			fmt.Printf("Failed to make RPC request\nDetails:\n%v\n", err)
			os.Exit(1)
		}
		printJSON(res)
	},
}

var eligible = &cobra.Command{
	Use:              "eligible",
	Short:            "Fetch the delegations that have matured past the cutoff",
	PersistentPreRun: always,
	PreRun:           SoftReadConfig,
	Run: func(cmd *cobra.Command, args []string) {
		var res srv.ResultGetEligible
		if err := apiClient().Request("get-eligible", nil, &res); err != nil {
			fmt.Printf("Failed to make RPC request\nDetails:\n%v\n", err)
			os.Exit(1)
		}
		printJSON(res)
	},
}

var cache = &cobra.Command{
	Use:              "cache",
	Short:            "Fetch the carried sub-precision reward remainders",
	PersistentPreRun: always,
	PreRun:           SoftReadConfig,
	Run: func(cmd *cobra.Command, args []string) {
		var res srv.ResultGetRewardCache
		if err := apiClient().Request("get-reward-cache", nil, &res); err != nil {
			fmt.Printf("Failed to make RPC request\nDetails:\n%v\n", err)
			os.Exit(1)
		}
		printJSON(res)
	},
}

var get = &cobra.Command{
	Use:   "get <subcommand>",
	Short: "Able to read payout related information from the daemon.",
}

var getQueue = &cobra.Command{
	Use:              "queue",
	Short:            "Fetch the failed payouts waiting on a retry",
	PersistentPreRun: always,
	PreRun:           SoftReadConfig,
	Run: func(cmd *cobra.Command, args []string) {
		var res json.RawMessage
		if err := apiClient().Request("get-failed-payouts", nil, &res); err != nil {
			fmt.Printf("Failed to make RPC request\nDetails:\n%v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(res))
	},
}

var getHistory = &cobra.Command{
	Use:              "history [count]",
	Short:            "Fetch the most recent payouts, newest first",
	PersistentPreRun: always,
	PreRun:           SoftReadConfig,
	Args:             cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		params := srv.ParamsGetHistory{Count: countArg(args)}
		var res srv.ResultGetPayoutHistory
		if err := apiClient().Request("get-payout-history", params, &res); err != nil {
			fmt.Printf("Failed to make RPC request\nDetails:\n%v\n", err)
			os.Exit(1)
		}
		printJSON(res)
	},
}

var getRuns = &cobra.Command{
	Use:              "runs [count]",
	Short:            "Fetch the most recent run summaries, newest first",
	PersistentPreRun: always,
	PreRun:           SoftReadConfig,
	Args:             cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		params := srv.ParamsGetHistory{Count: countArg(args)}
		var res []json.RawMessage
		if err := apiClient().Request("get-run-summaries", params, &res); err != nil {
			fmt.Printf("Failed to make RPC request\nDetails:\n%v\n", err)
			os.Exit(1)
		}
		printJSON(res)
	},
}
