// Package commands implements the gokvctl CLI: one-shot subcommands for
// scripting and an interactive shell speaking the daemon's protocol.
package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gokvd/internal/client"
)

var (
	// serverAddr is the daemon address (host:port).
	serverAddr string

	// apiKey is the shared secret presented on connect.
	apiKey string
)

// rootCmd is the top-level cobra command for gokvctl.
var rootCmd = &cobra.Command{
	Use:   "gokvctl",
	Short: "CLI client for the gokvd key-value daemon",
	Long:  "gokvctl talks the gokvd binary protocol to store, fetch and remove typed values.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:3000",
		"gokvd daemon address (host:port)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "",
		"API key presented to the daemon (falls back to GOKVD_API_KEY)")

	rootCmd.AddCommand(addCmd())
	rootCmd.AddCommand(findCmd())
	rootCmd.AddCommand(removeCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// connect dials and authenticates using the persistent flags. The API key
// falls back to the environment so scripts need not put secrets on the
// command line.
func connect(ctx context.Context) (*client.Client, error) {
	key := apiKey
	if key == "" {
		key = os.Getenv("GOKVD_API_KEY")
	}

	return client.Connect(ctx, serverAddr, key)
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
