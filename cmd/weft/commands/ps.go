package commands

import (
	"bytes"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/weft-ai/weft/pkg/api"
)

func newPSCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "ps",
		Short: "List models loaded in memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := apiClient().Ps(cmd.Context())
			if err != nil {
				return handleClientError(err, "Failed to list loaded models")
			}
			cmd.Print(psTable(loaded))
			return nil
		},
	}
	return c
}

func psTable(loaded []api.LoadedModel) string {
	var buf bytes.Buffer
	table := newTable(&buf, "MODEL", "SIZE", "REFS", "LAST USED")
	for _, m := range loaded {
		table.Append([]string{
			m.Model,
			units.HumanSize(float64(m.SizeBytes)),
			strconv.FormatUint(uint64(m.References), 10),
			units.HumanDuration(time.Since(m.LastUsed)) + " ago",
		})
	}
	table.Render()
	return buf.String()
}
