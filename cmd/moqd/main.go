package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "moqd",
		Short:         "Media over QUIC relay",
		Long:          "moqd forwards live media tracks between publishers and subscribers over QUIC, with namespace routing shared across relays through a pluggable coordinator.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the moqd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("moqd", version)
		},
	}
}
