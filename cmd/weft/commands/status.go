package commands

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/weft-ai/weft/pkg/client"
)

// osExit is swapped out in tests.
var osExit = os.Exit

func newStatusCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "status",
		Short: "Check whether the weft daemon is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := apiClient().Status(cmd.Context())
			if err != nil {
				if errors.Is(err, client.ErrServiceUnavailable) {
					cmd.Println("weft daemon is not running")
					osExit(1)
					return nil
				}
				return handleClientError(err, "Failed to get daemon status")
			}
			cmd.Println("weft daemon is running")
			cmd.Printf("  Version:     %s\n", status.Version)
			cmd.Printf("  Engine:      %s\n", status.Engine)
			cmd.Printf("  Uptime:      %s\n", time.Duration(status.UptimeSeconds)*time.Second)
			cmd.Printf("  Models path: %s\n", status.ModelsPath)
			cmd.Printf("  Disk usage:  %d models, %s\n",
				status.DiskUsage.ModelCount, units.HumanSize(float64(status.DiskUsage.TotalBytes)))
			if len(status.Loaded) > 0 {
				cmd.Println("  Loaded models:")
				for _, m := range status.Loaded {
					cmd.Printf("    %s (%s, %d refs)\n", m.Model, units.HumanSize(float64(m.SizeBytes)), m.References)
				}
			}
			if status.Host.OS != "" {
				cmd.Printf("  Host:        %s/%s, %d cores, %s memory\n",
					status.Host.OS, status.Host.Arch, status.Host.CPUCores,
					units.HumanSize(float64(status.Host.MemoryBytes)))
			}
			for _, gpu := range status.Host.GPUs {
				cmd.Printf("  GPU:         %s\n", strings.TrimSpace(gpu.Vendor+" "+gpu.Product))
			}
			return nil
		},
	}
	return c
}
