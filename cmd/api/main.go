package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return newRootCmd().ExecuteContext(context.Background())
}

// newRootCmd builds the api command. Run bare, it serves exactly like
// "api serve" and accepts the same flags.
func newRootCmd() *cobra.Command {
	serveCmd := newServeCmd()
	rootCmd := &cobra.Command{
		Use:   "api",
		Short: "Garment try-on catalog API",
		Long: `Garment try-on catalog API.

Stores preview images and 3D models for garments and serves them back to
their owners. With no subcommand it runs the HTTP server.

Commands:
  api              Run the HTTP server
  api serve        Run the HTTP server`,
		SilenceUsage: true,
		RunE:         serveCmd.RunE,
	}
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())
	rootCmd.AddCommand(serveCmd)
	return rootCmd
}
