package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "inspect MODEL",
		Short: "Show details of a downloaded model",
		Args:  exactArgs(1, "inspect MODEL"),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := apiClient().GetModel(cmd.Context(), args[0])
			if err != nil {
				return handleClientError(err, "Failed to inspect model")
			}
			raw, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return fmt.Errorf("encoding model info: %w", err)
			}
			cmd.Println(string(raw))
			return nil
		},
	}
	return c
}
