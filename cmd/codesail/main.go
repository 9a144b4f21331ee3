// CodeSail — workspace session manager for the browser IDE.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "codesail",
	Short: "CodeSail — workspace session manager for browser-based development.",
	Long: `CodeSail manages workspace sessions for a browser IDE: reading and writing
project files, listing directory trees, and running terminal commands inside
per-user sandbox pods. It exposes an HTTP API, an optional WebSocket session
endpoint, and an optional MCP stdio server for AI assistants.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
