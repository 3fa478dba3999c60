package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tithe",
	Short: "tithe: per-agent credential mediation proxy",
	Long: "tithe sits between an agent runtime and a billing gateway. The runtime calls it with one shared secret; " +
		"tithe swaps that secret for the principal's own gateway key, relays the model response, and records usage exactly once.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file, e.g. configs/tithe.yaml (defaults and TITHE_* variables apply without one)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
