package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/weft-ai/weft/pkg/api"
)

func newListCmd() *cobra.Command {
	var (
		jsonFormat bool
		quiet      bool
		available  bool
	)
	c := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List downloaded models",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := apiClient().List(cmd.Context())
			if err != nil {
				return handleClientError(err, "Failed to list models")
			}
			if jsonFormat {
				raw, err := json.MarshalIndent(list, "", "  ")
				if err != nil {
					return fmt.Errorf("encoding model list: %w", err)
				}
				cmd.Println(string(raw))
				return nil
			}
			if quiet {
				for _, model := range list.Models {
					cmd.Println(model.Name)
				}
				return nil
			}
			cmd.Print(modelTable(list.Models))
			if available {
				cmd.Println()
				cmd.Print(availableTable(list.Available))
			}
			return nil
		},
	}
	c.Flags().BoolVar(&jsonFormat, "json", false, "Print the raw JSON response")
	c.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only print model names")
	c.Flags().BoolVarP(&available, "available", "a", false, "Also list registry models available to pull")
	return c
}

func modelTable(models []api.ModelInfo) string {
	var buf bytes.Buffer
	table := newTable(&buf, "MODEL", "PARAMETERS", "QUANTIZATION", "ARCHITECTURE", "SIZE", "MODIFIED")
	for _, m := range models {
		table.Append([]string{
			m.Name,
			m.Parameters,
			m.Quantization,
			m.Architecture,
			units.HumanSize(float64(m.SizeBytes)),
			units.HumanDuration(time.Since(m.LastModified)) + " ago",
		})
	}
	table.Render()
	return buf.String()
}

func availableTable(available []api.AvailableModel) string {
	var buf bytes.Buffer
	table := newTable(&buf, "NAME", "SIZE", "DOWNLOADED", "DESCRIPTION")
	for _, m := range available {
		size := ""
		if m.SizeBytes > 0 {
			size = units.HumanSize(float64(m.SizeBytes))
		}
		downloaded := "no"
		if m.Downloaded {
			downloaded = "yes"
		}
		table.Append([]string{m.Name, size, downloaded, m.Description})
	}
	table.Render()
	return buf.String()
}
