package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newUnloadCmd() *cobra.Command {
	var all bool
	c := &cobra.Command{
		Use:   "unload [MODEL]",
		Short: "Evict models from memory",
		Args: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return fmt.Errorf("--all cannot be combined with a model name")
			}
			if !all && len(args) != 1 {
				return fmt.Errorf(
					"'weft unload' requires a model name or --all.\n\nUsage:  weft unload [MODEL]\n\nSee 'weft unload --help' for more information",
				)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			model := ""
			if !all {
				model = args[0]
			}
			unloaded, err := apiClient().Unload(cmd.Context(), model, all)
			if err != nil {
				return handleClientError(err, "Failed to unload model")
			}
			switch unloaded {
			case 1:
				cmd.Println("Unloaded 1 model")
			default:
				cmd.Printf("Unloaded %d models\n", unloaded)
			}
			return nil
		},
	}
	c.Flags().BoolVar(&all, "all", false, "Evict every idle model")
	return c
}
