// Package cmd wires the atrium command tree.
package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/atriumhq/atrium/pkg/protocol"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "atrium",
	Short: "Atrium is a chat platform with an AI host in every room",
	Long: `Atrium runs multi-user chat rooms where an AI persona acts as host:
it greets newcomers, answers when addressed, and re-engages members
who have gone quiet. The server terminates WebSocket connections,
tracks per-user and per-room state, and decides when the host speaks.

Run with no arguments to start the server.`,
	Run: func(cmd *cobra.Command, args []string) {
		runServe(cmd, args)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("atrium %s (protocol v%d, %s, %s/%s)\n",
			Version, protocol.ProtocolVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(onboardCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(doctorCmd)
}

// resolveConfigPath picks the config file: flag, then env, then the
// default next to the working directory.
func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if env := os.Getenv("ATRIUM_CONFIG"); env != "" {
		return env
	}
	return "config.json"
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
