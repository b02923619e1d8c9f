// Package cmd contains the newtab CLI commands.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	configPath string
	serverAddr string
)

var rootCmd = &cobra.Command{
	Use:   "newtab",
	Short: "Local personal web-memory search engine",
	Long: `newtab indexes the web pages you visit, enriches them with
AI-derived keywords and embeddings, and answers interactive queries by
fusing lexical and semantic relevance with access-frequency signals.`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config YAML (default: built-in defaults + env)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "http://127.0.0.1:8470", "address of a running newtab server (client commands)")
}
