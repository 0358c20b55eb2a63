package backend

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/docker/cli/opts"
	"github.com/docker/docker/api/types/container"
	"github.com/livepeer/hive-worker/common"
)

// AllGPUs is the passthrough selector requesting every device on the host.
const AllGPUs = "-1"

// Create global references to allow for mocking in tests.
var detectGPUs = common.DetectGPUs

// DeviceRequests turns a passthrough selector into docker device requests.
// A nil result means the container runs on CPU: the selector is empty, the
// hardware probe failed or found nothing, or the list named no devices.
func DeviceRequests(selector string) []container.DeviceRequest {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		slog.Info("GPU passthrough not set, running in CPU mode")
		return nil
	}

	gpus, err := detectGPUs()
	if err != nil || len(gpus) == 0 {
		slog.Warn("No NVIDIA GPUs found, running in CPU mode", slog.String("selector", selector), slog.Any("error", err))
		return nil
	}

	gpuOpts := opts.GpuOpts{}
	if selector == AllGPUs {
		slog.Info("Requesting all available GPUs", slog.Int("detected", len(gpus)))
		if err := gpuOpts.Set("all"); err != nil {
			slog.Error("Invalid GPU request, running in CPU mode", slog.String("error", err.Error()))
			return nil
		}
		return gpuOpts.Value()
	}

	ids := parseDeviceIDs(selector)
	if len(ids) == 0 {
		slog.Warn("GPU passthrough provided no valid IDs, running in CPU mode", slog.String("selector", selector))
		return nil
	}
	slog.Info("Requesting GPUs", slog.Any("devices", ids))
	// quoted so the csv parser keeps the comma separated ids in one field
	if err := gpuOpts.Set(fmt.Sprintf(`"device=%s"`, strings.Join(ids, ","))); err != nil {
		slog.Error("Invalid GPU request, running in CPU mode", slog.String("error", err.Error()))
		return nil
	}
	return gpuOpts.Value()
}

func parseDeviceIDs(selector string) []string {
	var ids []string
	for _, id := range strings.Split(selector, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
