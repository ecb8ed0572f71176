package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "drape",
		Short: "drape - preview orchestration core",
		Long:  "drape runs ephemeral preview sessions: provisioning sandbox microVMs, syncing project files, installing dependencies, starting dev servers, and gatewaying traffic to them.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (JSON or YAML); flags and DRAPE_* env vars override it")

	rootCmd.AddCommand(
		daemonCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the drape version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}
