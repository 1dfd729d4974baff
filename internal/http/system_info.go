package httpx

import (
	"math"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

const bytesPerGB = 1 << 30

func roundGB(b uint64) float64 {
	return math.Round(float64(b)/bytesPerGB*100) / 100
}

// handleSystemInfo reports host OS, CPU, memory, and disk statistics. Each
// probe degrades independently: a collector failure leaves its section empty
// rather than failing the request.
func (r *Router) handleSystemInfo(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}

	system := map[string]any{
		"machine":    runtime.GOARCH,
		"go_version": runtime.Version(),
	}
	if info, err := host.InfoWithContext(req.Context()); err == nil {
		system["os"] = info.OS
		system["os_version"] = info.PlatformVersion
		system["processor"] = info.KernelArch
	} else {
		r.logger.Warn("host info probe failed", "error", err)
	}

	cpuInfo := map[string]any{}
	if cores, err := cpu.CountsWithContext(req.Context(), true); err == nil {
		cpuInfo["cores"] = cores
	}
	// The sampling window matches the original's one second interval.
	if usage, err := cpu.PercentWithContext(req.Context(), time.Second, false); err == nil && len(usage) > 0 {
		cpuInfo["usage_percent"] = math.Round(usage[0]*100) / 100
	}

	memInfo := map[string]any{}
	if vm, err := mem.VirtualMemoryWithContext(req.Context()); err == nil {
		memInfo = map[string]any{
			"total_gb":      roundGB(vm.Total),
			"used_gb":       roundGB(vm.Used),
			"available_gb":  roundGB(vm.Available),
			"usage_percent": math.Round(vm.UsedPercent*100) / 100,
		}
	}

	diskInfo := map[string]any{}
	if du, err := disk.UsageWithContext(req.Context(), "/"); err == nil {
		diskInfo = map[string]any{
			"total_gb": roundGB(du.Total),
			"used_gb":  roundGB(du.Used),
			"free_gb":  roundGB(du.Free),
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"system": system,
		"cpu":    cpuInfo,
		"memory": memInfo,
		"disk":   diskInfo,
	})
}
