// liveframectl is the operator CLI for the sync engine: run the daemon,
// apply storage migrations, and inspect a running daemon's live sessions
// and subscriptions (spec.md's operational surface), built on
// github.com/spf13/cobra. github.com/spf13/viper binds the --addr flag to
// the LIVEFRAMECTL_ADDR environment variable; --config-dir is a plain
// flag, and the DB_* variables are read by pgstore itself.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configDir string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "liveframectl",
		Short: "Operate a liveframe sync engine daemon",
	}

	root.PersistentFlags().StringVar(&configDir, "config-dir", "./deploy/config", "path to configuration directory")
	root.PersistentFlags().String("addr", "http://localhost:8080", "daemon HTTP address, for subcommands that talk to a running daemon")
	_ = viper.BindPFlag("addr", root.PersistentFlags().Lookup("addr"))

	viper.SetEnvPrefix("liveframectl")
	viper.AutomaticEnv()

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newSessionsCmd())

	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
