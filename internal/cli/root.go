// Package cli defines the gemini-bridge command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/phamanh/gemini-bridge/internal/buildinfo"
)

var (
	cfgFile   string
	credsFile string
)

var rootCmd = &cobra.Command{
	Use:   "gemini-bridge",
	Short: "Claude-compatible proxy in front of the Gemini CLI backend",
	Long: `gemini-bridge exposes the Anthropic Messages API and forwards requests
to the Gemini CLI cloud backend, translating streams in both directions.`,
	// Bare invocation serves, matching how the binary is normally run.
	RunE: func(c *cobra.Command, args []string) error {
		return runServe()
	},
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "path to config.yaml")
	pf.StringVar(&credsFile, "credentials", "", "path to the Gemini CLI oauth_creds.json")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(c *cobra.Command, args []string) {
		fmt.Printf("gemini-bridge %s", buildinfo.Version)
		if buildinfo.Commit != "" {
			fmt.Printf(" (%s)", buildinfo.Commit)
		}
		if buildinfo.Date != "" {
			fmt.Printf(" built %s", buildinfo.Date)
		}
		fmt.Println()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
