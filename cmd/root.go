// Package cmd defines the CLI commands for the quarry-agent executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quarrysearch/quarry-agent/pkg/config"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarry-agent",
		Short: "Multi-tenant web crawl and index agent.",
		Long: `quarry-agent crawls allow-listed domains per tenant, stores raw pages
in object storage, indexes their text for search, and tracks all crawl
state in a shared metadata store. One process can serve the HTTP API,
run the crawl loop, or both.`,
	}

	cobra.OnInitialize(func() {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		}
		config.InitConfig()
	})

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	cmd.AddCommand(newRunCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
