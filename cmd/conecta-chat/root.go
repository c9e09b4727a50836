package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/joelkehle/conecta-chat/internal/config"
)

const version = "0.3.0"

var (
	v       = config.New()
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "conecta-chat",
	Short: "Contract conversations with durable and realtime notification delivery",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Only the running command's flags are bound, so subcommands can
		// share keys without shadowing each other.
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		if err := v.BindPFlags(cmd.InheritedFlags()); err != nil {
			return err
		}
		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("read config %s: %w", cfgFile, err)
			}
		}
		initLog(v.GetUint(config.KeyLogLevel), v.GetString(config.KeyLogFile))
		return nil
	},
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "conecta-chat v%s\n", version)
	},
}

func initLog(threshold uint, logPath string) {
	if logPath != "-" && logPath != "" {
		jww.SetStdoutOutput(io.Discard)
		logOutput, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			panic(err.Error())
		}
		jww.SetLogOutput(logOutput)
	}

	switch {
	case threshold > 1:
		jww.SetStdoutThreshold(jww.LevelTrace)
		jww.SetLogThreshold(jww.LevelTrace)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	case threshold == 1:
		jww.SetStdoutThreshold(jww.LevelDebug)
		jww.SetLogThreshold(jww.LevelDebug)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	default:
		jww.SetStdoutThreshold(jww.LevelInfo)
		jww.SetLogThreshold(jww.LevelInfo)
	}
	jww.INFO.Printf("conecta-chat v%s log_level=%d", version, threshold)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a config file (yaml, json or toml)")

	rootCmd.PersistentFlags().UintP(config.KeyLogLevel, "v", 0, "Verbosity: 0 info, 1 debug, 2 trace")
	rootCmd.PersistentFlags().StringP(config.KeyLogFile, "l", "-", "Log output path (- is stdout)")

	rootCmd.AddCommand(versionCmd)
}
