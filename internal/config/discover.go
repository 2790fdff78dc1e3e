package config

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/salusml/salus/internal/lane"
	"github.com/salusml/salus/internal/resources"
	"github.com/shirou/gopsutil/mem"
	"k8s.io/klog/v2"
)

var discoverLogger = klog.Background().WithName("config")

// DefaultCPUMemoryLimit is the seeded CPU memory cap (50 GiB), used when
// the host actually has at least that much RAM.
const DefaultCPUMemoryLimit = 50 << 30

// DefaultStreamsPerGPU is seeded per-GPU stream cap.
const DefaultStreamsPerGPU = 80

// DiscoverGPUs queries NVML for every installed GPU's memory and returns the
// lane.Manager seed table, capped by ceilingBytes (0 means no cap). If NVML
// cannot initialize (no driver present, common in CI), it falls back to a
// single synthetic GPU so the rest of the stack still runs.
func DiscoverGPUs(ceilingBytes int64) []lane.GPUDescriptor {
	ret := nvml.Init()
	if ret != nvml.SUCCESS {
		discoverLogger.V(1).Info("nvml unavailable, falling back to synthetic GPU table", "ret", ret)
		return syntheticGPUs(ceilingBytes)
	}
	defer func() { _ = nvml.Shutdown() }()

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS || count == 0 {
		discoverLogger.V(1).Info("nvml reported no devices, falling back to synthetic GPU table")
		return syntheticGPUs(ceilingBytes)
	}

	out := make([]lane.GPUDescriptor, 0, count)
	for i := 0; i < count; i++ {
		dev, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			discoverLogger.V(1).Info("nvml device handle lookup failed", "index", i, "ret", ret)
			continue
		}
		memInfo, ret := dev.GetMemoryInfo()
		if ret != nvml.SUCCESS {
			discoverLogger.V(1).Info("nvml memory query failed", "index", i, "ret", ret)
			continue
		}
		total := int64(memInfo.Total)
		if ceilingBytes > 0 && total > ceilingBytes {
			total = ceilingBytes
		}
		out = append(out, lane.GPUDescriptor{
			Device:        resources.Device{Kind: resources.GPU, Index: i},
			TotalMemory:   total,
			StreamsPerGPU: DefaultStreamsPerGPU,
		})
	}
	if len(out) == 0 {
		return syntheticGPUs(ceilingBytes)
	}
	return out
}

func syntheticGPUs(ceilingBytes int64) []lane.GPUDescriptor {
	total := int64(16 << 30)
	if ceilingBytes > 0 && total > ceilingBytes {
		total = ceilingBytes
	}
	return []lane.GPUDescriptor{{
		Device:        resources.Device{Kind: resources.GPU, Index: 0},
		TotalMemory:   total,
		StreamsPerGPU: DefaultStreamsPerGPU,
	}}
}

// DiscoverHostLimits reads total host RAM via gopsutil for the CPU-memory
// platform limit, capped at DefaultCPUMemoryLimit.
func DiscoverHostLimits() (cpuMemoryBytes int64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return DefaultCPUMemoryLimit, fmt.Errorf("config: gopsutil host memory query failed, using default: %w", err)
	}
	total := int64(v.Total)
	if total <= 0 || total > DefaultCPUMemoryLimit {
		total = DefaultCPUMemoryLimit
	}
	return total, nil
}

// DefaultWorkerPoolSize defaults the worker pool size to 4; a host with
// fewer cores than that gets one worker per core instead.
func DefaultWorkerPoolSize(numCPU int) int {
	if numCPU <= 0 {
		return 4
	}
	if numCPU < 4 {
		return numCPU
	}
	return 4
}

// PlatformLimits assembles the resources.Set that seeds a Monitor: CPU
// memory, per-GPU memory and streams, and one EXCLUSIVE unit per GPU.
func PlatformLimits(cpuMemory int64, gpus []lane.GPUDescriptor) resources.Set {
	set := resources.NewSet(resources.Pair{Tag: resources.CPUMemory(0), Amount: cpuMemory})
	for _, g := range gpus {
		set.AddInPlace(resources.NewSet(
			resources.Pair{Tag: resources.Tag{Type: resources.Memory, Device: g.Device}, Amount: g.TotalMemory},
			resources.Pair{Tag: resources.Tag{Type: resources.GPUStream, Device: g.Device}, Amount: int64(g.StreamsPerGPU)},
			resources.Pair{Tag: resources.Tag{Type: resources.Exclusive, Device: g.Device}, Amount: 1},
		))
	}
	return set
}
