package commands

import (
	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "logs",
		Short: "Fetch the recent daemon logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logs, err := apiClient().Logs(cmd.Context())
			if err != nil {
				return handleClientError(err, "Failed to fetch logs")
			}
			cmd.Print(logs)
			return nil
		},
	}
	return c
}
