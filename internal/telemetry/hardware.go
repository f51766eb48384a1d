package telemetry

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/glin-ai/glin-client/pkg/api"
)

// DetectHardware gathers the machine description sent at registration.
// GPU fields degrade to zeros when nvidia-smi is unavailable.
func DetectHardware() api.HardwareInfo {
	info := api.HardwareInfo{
		CPUModel: cpuModel(),
		CPUCores: runtime.NumCPU(),
		RAMGb:    totalRAMGb(),
		OS:       fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}

	gpu, err := detectNvidiaGPU()
	if err != nil {
		log.Warn().Err(err).Msg("Could not detect GPU via nvidia-smi, reporting none")
		info.GPUModel = "Unknown GPU"
		return info
	}
	info.GPUModel = gpu.model
	info.GPUCount = gpu.count
	info.VRAMGb = gpu.vramGb
	info.ComputeCapability = gpu.computeCapability
	info.DriverVersion = gpu.driverVersion
	info.CUDAVersion = detectCUDAVersion()
	return info
}

type gpuInfo struct {
	model             string
	count             int
	vramGb            int
	computeCapability float32
	driverVersion     string
}

func detectNvidiaGPU() (gpuInfo, error) {
	out, err := exec.Command("nvidia-smi",
		"--query-gpu=name,memory.total,count,driver_version,compute_cap",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return gpuInfo{}, fmt.Errorf("run nvidia-smi: %w", err)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	parts := splitCSV(line)
	if len(parts) < 5 {
		return gpuInfo{}, fmt.Errorf("unexpected nvidia-smi output: %q", line)
	}
	vramMb, _ := strconv.Atoi(parts[1])
	count, _ := strconv.Atoi(parts[2])
	return gpuInfo{
		model:             parts[0],
		count:             count,
		vramGb:            vramMb / 1024,
		computeCapability: parseF32(parts[4]),
		driverVersion:     parts[3],
	}, nil
}

// detectCUDAVersion parses "release X.Y" from nvcc output. Empty when
// nvcc is absent.
func detectCUDAVersion() string {
	out, err := exec.Command("nvcc", "--version").Output()
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(out), "\n") {
		if _, after, ok := strings.Cut(line, "release"); ok {
			version, _, _ := strings.Cut(after, ",")
			return strings.TrimSpace(version)
		}
	}
	return ""
}

func cpuModel() string {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return runtime.GOARCH
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "model name") {
			if _, after, ok := strings.Cut(line, ":"); ok {
				return strings.TrimSpace(after)
			}
		}
	}
	return runtime.GOARCH
}

func totalRAMGb() int {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "MemTotal:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				kb, _ := strconv.Atoi(fields[1])
				return kb / 1024 / 1024
			}
		}
	}
	return 0
}
