package commands

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newRemoveCmd() *cobra.Command {
	var force bool
	c := &cobra.Command{
		Use:     "rm MODEL [MODEL...]",
		Aliases: []string{"remove"},
		Short:   "Remove downloaded models",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return fmt.Errorf(
					"'weft rm' requires at least 1 argument.\n\nUsage:  weft rm MODEL [MODEL...]\n\nSee 'weft rm --help' for more information",
				)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			reader := bufio.NewReader(cmd.InOrStdin())
			for _, model := range args {
				if !force && !confirm(cmd, reader, fmt.Sprintf("Delete model %s?", model)) {
					cmd.Printf("Skipping %s\n", model)
					continue
				}
				message, err := apiClient().Delete(cmd.Context(), model)
				if err != nil {
					return handleClientError(err, "Failed to remove model")
				}
				cmd.Println(message)
			}
			return nil
		},
	}
	c.Flags().BoolVarP(&force, "force", "f", false, "Do not prompt for confirmation")
	return c
}

func confirm(cmd *cobra.Command, reader *bufio.Reader, prompt string) bool {
	cmd.Printf("%s [y/N] ", prompt)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
