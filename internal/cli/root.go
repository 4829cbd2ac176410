// Package cli defines the samba-mux command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nghyane/samba-mux/internal/buildinfo"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "samba-mux",
	Short: "OpenAI-compatible gateway for SambaNova cloud",
	Long: `samba-mux exposes an OpenAI-compatible API backed by the SambaNova
cloud completion service. It manages the upstream login session
automatically and translates requests and streaming responses in both
directions.`,
	Run: func(c *cobra.Command, args []string) {
		// Bare invocation behaves like serve.
		serveCmd.Run(c, args)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(c *cobra.Command, args []string) {
		fmt.Printf("samba-mux %s (%s)\n", buildinfo.Version, buildinfo.Commit)
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to config file")
	rootCmd.AddCommand(versionCmd)
}
