package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/ipfs/go-bitswap-server/cmd/bsserve/config"
	logging "github.com/ipfs/go-log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var log = logging.Logger("bsserve")

func newRootCmd() *cobra.Command {
	v := viper.New()
	config.SetDefaults(v)

	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "bsserve",
		Short:         "A standalone bitswap block server.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile == "" {
				return nil
			}
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("reading config file: %w", err)
			}
			return nil
		},
	}

	d := config.Default()
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.StringSlice(config.KeyListen, d.Listen, "multiaddrs to listen on")
	flags.Int(config.KeyTargetMessageSize, d.TargetMessageSize, "bytes of work popped per outgoing message")
	flags.Int(config.KeyMaxReplaceSize, d.MaxReplaceSize, "largest block sent in place of a HAVE, 0 disables")
	flags.Int(config.KeyMaxOutstandingBytes, d.MaxOutstandingBytes, "block bytes in flight per peer, 0 disables the limit")
	flags.Int(config.KeyBlockstoreWorkers, d.BlockstoreWorkers, "concurrent blockstore lookups")
	flags.Bool(config.KeySendDontHaves, d.SendDontHaves, "answer missing want-blocks with DONT_HAVE when asked")
	flags.String(config.KeyLogLevel, d.LogLevel, "log level of every subsystem")

	for _, key := range []string{
		config.KeyListen,
		config.KeyTargetMessageSize,
		config.KeyMaxReplaceSize,
		config.KeyMaxOutstandingBytes,
		config.KeyBlockstoreWorkers,
		config.KeySendDontHaves,
		config.KeyLogLevel,
	} {
		// Only fails for a nil flag.
		_ = v.BindPFlag(key, flags.Lookup(key))
	}

	rootCmd.AddCommand(newServeCmd(v), newConfigCmd(v))
	return rootCmd
}

func newConfigCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(v); err != nil {
				return err
			}
			printSettings(cmd.OutOrStdout(), v.AllSettings())
			return nil
		},
	}
}

func printSettings(w io.Writer, settings map[string]interface{}) {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %v\n", k, settings[k])
	}
}
