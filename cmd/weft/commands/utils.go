package commands

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/weft-ai/weft/pkg/client"
)

var errNotRunning = errors.New("the weft daemon is not running, start it with: weft serve")

// handleClientError folds daemon-unreachable errors into one
// actionable message and prefixes everything else with context.
func handleClientError(err error, message string) error {
	if errors.Is(err, client.ErrServiceUnavailable) {
		return errNotRunning
	}
	return fmt.Errorf("%s: %w", message, err)
}

// exactArgs validates the positional argument count, phrasing the
// error with the command's usage line.
func exactArgs(n int, usage string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) == n {
			return nil
		}
		plural := "arguments"
		if n == 1 {
			plural = "argument"
		}
		return fmt.Errorf(
			"'weft %s' requires %d %s.\n\nUsage:  weft %s\n\nSee 'weft %s --help' for more information",
			cmd.Name(), n, plural, usage, cmd.Name(),
		)
	}
}

// newTable returns a borderless left-aligned table matching the
// docker-style CLI listing format.
func newTable(buf *bytes.Buffer, headers ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(buf)
	table.SetHeader(headers)
	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	alignment := make([]int, len(headers))
	for i := range alignment {
		alignment[i] = tablewriter.ALIGN_LEFT
	}
	table.SetColumnAlignment(alignment)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	return table
}
