package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hivepool/payoutd/config"
	"github.com/hivepool/payoutd/exit"
	"github.com/hivepool/payoutd/node"
	"github.com/hivepool/payoutd/srv"
)

func init() {
	rootCmd.PersistentFlags().String("log", "info", "Change the logging level. Can choose from 'trace', 'debug', 'info', 'warn', 'error', or 'fatal'")
	rootCmd.PersistentFlags().StringP("account", "a", "", "The pool account that receives curation rewards and pays delegators")
	rootCmd.PersistentFlags().StringP("wallet", "w", "http://localhost:8093", "The url to the wallet endpoint without a trailing slash")
	rootCmd.PersistentFlags().StringP("payoutd", "p", srv.PayoutdDefault, "The url to the payoutd endpoint without a trailing slash")
	rootCmd.PersistentFlags().String("api", ":8090", "Change the api listening address for the api")
	rootCmd.PersistentFlags().String("config", "", "Optional file location of the config file")

	rootCmd.PersistentFlags().Bool("dryrun", false, "Compute a full payout cycle but broadcast nothing and persist nothing")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(claimCmd)
	rootCmd.AddCommand(historyCmd)
}

// Execute is cobra's entry point
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:              "payoutd",
	Short:            "payoutd is the delegation payout daemon: it tracks delegations and distributes curation rewards",
	PersistentPreRun: always,
	PreRun:           ReadConfig,
	Run: func(cmd *cobra.Command, args []string) {
		// Handle ctl+c
		ctx, cancel := context.WithCancel(context.Background())
		exit.GlobalExitHandler.AddCancel(cancel)

		// Get the config
		conf := viper.GetViper()
		node, err := node.NewPayoutd(ctx, conf)
		if err != nil {
			log.WithError(err).Errorf("failed to launch payout engine")
			os.Exit(1)
		}
		// An in-flight run must finish persisting its state before the
		// store may close or the process may exit.
		runDone := make(chan struct{})
		exit.GlobalExitHandler.AddWait(runDone)
		exit.GlobalExitHandler.Add(node)

		apiserver := srv.NewAPIServer(conf, node)
		go apiserver.Start(ctx.Done())

		// Run
		node.Schedule(ctx)
		close(runDone)
	},
}

var runCmd = &cobra.Command{
	Use:              "run",
	Short:            "Execute a single payout cycle and exit",
	PersistentPreRun: always,
	PreRun:           ReadConfig,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithCancel(context.Background())
		exit.GlobalExitHandler.AddCancel(cancel)

		conf := viper.GetViper()
		node, err := node.NewPayoutd(ctx, conf)
		if err != nil {
			log.WithError(err).Errorf("failed to launch payout engine")
			os.Exit(1)
		}
		defer node.Close()

		runDone := make(chan struct{})
		exit.GlobalExitHandler.AddWait(runDone)

		_, err = node.Run(ctx)
		close(runDone)
		if err != nil {
			log.WithError(err).Error("payout cycle failed")
			os.Exit(1)
		}
	},
}

var claimCmd = &cobra.Command{
	Use:              "claim",
	Short:            "Claim the pool account's pending reward balances",
	PersistentPreRun: always,
	PreRun:           ReadConfig,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithCancel(context.Background())
		exit.GlobalExitHandler.AddCancel(cancel)

		conf := viper.GetViper()
		node, err := node.NewPayoutd(ctx, conf)
		if err != nil {
			log.WithError(err).Errorf("failed to launch payout engine")
			os.Exit(1)
		}
		defer node.Close()

		if err := node.Hive.ClaimRewards(ctx, node.Account); err != nil {
			log.WithError(err).Error("claim failed")
			os.Exit(1)
		}
	},
}

var historyCmd = &cobra.Command{
	Use:              "history",
	Short:            "Rebuild the delegation ledger from the chain and exit",
	PersistentPreRun: always,
	PreRun:           ReadConfig,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithCancel(context.Background())
		exit.GlobalExitHandler.AddCancel(cancel)

		conf := viper.GetViper()
		node, err := node.NewPayoutd(ctx, conf)
		if err != nil {
			log.WithError(err).Errorf("failed to launch payout engine")
			os.Exit(1)
		}
		defer node.Close()

		if err := node.Hive.PickNode(ctx); err != nil {
			log.WithError(err).Error("no reachable hive node")
			os.Exit(1)
		}
		l, err := node.LoadLedger()
		if err != nil {
			log.WithError(err).Error("failed to load the delegation ledger")
			os.Exit(1)
		}
		if err := node.RefreshLedger(ctx, l); err != nil {
			log.WithError(err).Error("failed to rebuild the delegation ledger")
			os.Exit(1)
		}

		log.WithField("delegators", len(l.Delegators())).
			Info("delegation ledger up to date")
	},
}

// always is run before any command
func always(cmd *cobra.Command, args []string) {
	// Setup config reading
	if cFilePath, _ := cmd.Flags().GetString("config"); cFilePath != "" {
		base := filepath.Base(cFilePath)
		dir := filepath.Dir(cFilePath)
		viper.SetConfigFile(base)
		viper.AddConfigPath(dir)
	} else {
		viper.SetConfigName("payoutd-conf")
		// Add as many config paths as we want to check
		viper.AddConfigPath("$HOME/.payoutd")
		viper.AddConfigPath(".")
	}

	// Setup global command line flag overrides
	// This gets run before any command executes. It will init global flags to the config
	_ = viper.BindPFlag(config.LoggingLevel, cmd.Flags().Lookup("log"))
	_ = viper.BindPFlag(config.Account, cmd.Flags().Lookup("account"))
	_ = viper.BindPFlag(config.WalletServer, cmd.Flags().Lookup("wallet"))
	_ = viper.BindPFlag(config.Payoutd, cmd.Flags().Lookup("payoutd"))
	_ = viper.BindPFlag(config.APIListen, cmd.Flags().Lookup("api"))
	_ = viper.BindPFlag(config.DryRun, cmd.Flags().Lookup("dryrun"))

	// Also init some defaults
	viper.SetDefault(config.HiveNodes, []string{
		"https://api.hive.blog",
		"https://api.deathwing.me",
		"https://api.openhive.network",
		"https://rpc.mahdiyari.info",
	})
	viper.SetDefault(config.RequestTimeout, time.Second*10)
	viper.SetDefault(config.MaxRetries, 3)
	viper.SetDefault(config.TransferRetries, 5)
	viper.SetDefault(config.RetryBaseDelay, time.Second*2)

	viper.SetDefault(config.StoreBackend, "json")
	viper.SetDefault(config.StorePath, "$HOME/.payoutd/state")
	viper.SetDefault(config.PayoutLogPath, "$HOME/.payoutd/payouts.db")

	viper.SetDefault(config.MinimumPayout, 0.001)
	viper.SetDefault(config.RetainedBPS, 500)
	viper.SetDefault(config.CutoffDays, 6)
	viper.SetDefault(config.WindowHour, 8)
	viper.SetDefault(config.Timezone, "Asia/Manila")
	viper.SetDefault(config.ClaimRewards, true)
	viper.SetDefault(config.MaxQueueRetries, 3)
	viper.SetDefault(config.DedupEpsilon, time.Second)

	// Catch ctl+c
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	go func() {
		<-signalChan
		log.Info("Gracefully closing")
		exit.GlobalExitHandler.Close()

		log.Info("closing application")
		// If something is hanging, we have to kill it
		os.Exit(0)
	}()
}

// ReadConfig can be put as a PreRun for a command that uses the config file
func ReadConfig(cmd *cobra.Command, args []string) {
	err := viper.ReadInConfig()

	// If no config is found, we will attempt to make one
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		// No config found? We will write the default config for the user
		// If the custom config path is set, then we should not write a new config.
		if custom, _ := cmd.Flags().GetString("config"); custom == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				log.WithError(err).Fatal("failed to create config path")
			}

			// Create the payoutd directory if it is not already
			err = os.MkdirAll(filepath.Join(home, ".payoutd"), 0777)
			if err != nil {
				log.WithError(err).Fatal("failed to create config path")
			}

			configpath := filepath.Join(home, ".payoutd", "payoutd-conf.toml")
			_, err = os.Stat(configpath)
			if os.IsExist(err) { // Double check a file does not already exist. Don't overwrite a config
				log.WithField("path", configpath).Fatal("config exists, but unable to read")
			}

			// Attempt to write a new config file
			err = viper.WriteConfigAs(configpath)
			if err != nil {
				log.WithField("path", configpath).WithError(err).Fatal("failed to create config")
			}
			// Inform the user we made a config
			log.WithField("path", configpath).Infof("no config file, one was created")

			// Try to read it again
			err = viper.ReadInConfig()
			if err != nil {
				log.WithError(err).Fatal("failed to load config")
			}
		}
	} else if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}

	// Indicate which config was used
	log.Infof("Using config from %s", viper.ConfigFileUsed())

	initLogger()
}

// SoftReadConfig will not fail. It can be used for a command that needs the config,
// but is happy with the defaults
func SoftReadConfig(cmd *cobra.Command, args []string) {
	err := viper.ReadInConfig()
	if err != nil {
		log.WithError(err).Debugf("failed to load config")
	}

	initLogger()
}

func initLogger() {
	switch strings.ToLower(viper.GetString(config.LoggingLevel)) {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "fatal":
		log.SetLevel(log.FatalLevel)
	}
}
