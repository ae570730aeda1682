package commands

import (
	"bytes"
	"strconv"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/weft-ai/weft/pkg/api"
)

func newDFCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "df",
		Short: "Show model disk usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			usage, err := apiClient().DiskUsage(cmd.Context())
			if err != nil {
				return handleClientError(err, "Failed to get disk usage")
			}
			cmd.Print(diskUsageTable(usage))
			return nil
		},
	}
	return c
}

func diskUsageTable(usage api.DiskUsage) string {
	var buf bytes.Buffer
	table := newTable(&buf, "TYPE", "COUNT", "SIZE", "PATH")
	table.Append([]string{
		"Models",
		strconv.Itoa(usage.ModelCount),
		units.HumanSize(float64(usage.TotalBytes)),
		usage.Path,
	})
	table.Render()
	return buf.String()
}
