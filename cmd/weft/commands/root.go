// Package commands implements the weft command tree. Every command
// except serve is a thin client over the daemon API.
package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/weft-ai/weft/pkg/client"
)

const defaultHost = "127.0.0.1:8000"

var (
	rootHost   string
	rootSocket string
)

// NewRootCmd builds the weft command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "weft",
		Short:         "Run large language models locally",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&rootHost, "host", envOr("WEFT_HOST", defaultHost),
		"daemon address as host:port")
	rootCmd.PersistentFlags().StringVar(&rootSocket, "sock", os.Getenv("WEFT_SOCK"),
		"daemon Unix socket, takes precedence over --host")

	rootCmd.AddCommand(
		newServeCmd(),
		newPullCmd(),
		newListCmd(),
		newRemoveCmd(),
		newInspectCmd(),
		newChatCmd(),
		newPSCmd(),
		newUnloadCmd(),
		newDFCmd(),
		newStatusCmd(),
		newLogsCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// apiClient returns a client for the daemon selected by the persistent
// flags.
func apiClient() *client.Client {
	if rootSocket != "" {
		return client.NewUnix(rootSocket)
	}
	return client.New(rootHost)
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
