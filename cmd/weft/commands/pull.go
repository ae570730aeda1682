package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weft-ai/weft/pkg/api"
)

func newPullCmd() *cobra.Command {
	var force bool
	c := &cobra.Command{
		Use:   "pull MODEL",
		Short: "Download a model",
		Args:  exactArgs(1, "pull MODEL"),
		RunE: func(cmd *cobra.Command, args []string) error {
			progressShown := false
			message, err := apiClient().Pull(cmd.Context(), args[0], force, func(m api.ProgressMessage) {
				tuiProgress(m.Message)
				progressShown = true
			})
			// Terminate the progress line before any further output.
			if progressShown {
				cmd.Println()
			}
			if err != nil {
				return handleClientError(err, "Failed to pull model")
			}
			cmd.Println(message)
			return nil
		},
	}
	c.Flags().BoolVar(&force, "force", false, "Re-download even when the model is already present")
	return c
}

// tuiProgress rewrites the current terminal line in place.
func tuiProgress(message string) {
	fmt.Print("\r\033[K", message)
}
