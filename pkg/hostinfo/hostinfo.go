// Package hostinfo collects the host facts reported by the status
// endpoint. Collection is best effort: probes that fail are logged and
// leave their fields zero rather than failing the status request.
package hostinfo

import (
	"runtime"

	"github.com/elastic/go-sysinfo"
	"github.com/jaypipes/ghw"

	"github.com/weft-ai/weft/pkg/api"
	"github.com/weft-ai/weft/pkg/logging"
)

// Collect probes the host OS, memory and GPUs.
func Collect(log logging.Logger) api.HostInfo {
	info := api.HostInfo{
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
		CPUCores: runtime.NumCPU(),
	}

	host, err := sysinfo.Host()
	if err != nil {
		log.Warnf("Could not read host info: %s", err)
	} else {
		if name := host.Info().OS.Name; name != "" {
			info.OS = name
		}
		ram, err := host.Memory()
		if err != nil {
			log.Warnf("Could not read host RAM size: %s", err)
		} else {
			info.MemoryBytes = ram.Total
		}
	}

	gpus, err := ghw.GPU()
	if err != nil {
		log.Warnf("Could not enumerate GPUs: %s", err)
		return info
	}
	for _, card := range gpus.GraphicsCards {
		if card.DeviceInfo == nil {
			continue
		}
		gpu := api.GPU{}
		if card.DeviceInfo.Vendor != nil {
			gpu.Vendor = card.DeviceInfo.Vendor.Name
		}
		if card.DeviceInfo.Product != nil {
			gpu.Product = card.DeviceInfo.Product.Name
		}
		info.GPUs = append(info.GPUs, gpu)
	}
	return info
}
