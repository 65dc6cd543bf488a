// Package gpu owns the NVML capability for the process lifetime and
// derives device inventory and per-process attribution from it. A failed
// NVML initialization leaves the capability permanently absent: GPU
// sections stay empty and nothing retries.
package gpu

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/jobscope/jobscope-agent/internal/metrics"
)

// ContextInfo is one running context observed on a device: the owning
// process and the memory the context holds.
type ContextInfo struct {
	PID    uint32
	Memory uint64
}

// Device exposes the per-device queries the engine consumes. The
// concrete implementation wraps an NVML handle; tests substitute fakes.
type Device interface {
	Name() (string, bool)
	Utilization() (float64, bool)
	Memory() (metrics.MemoryLoad, bool)
	ComputeContexts() ([]ContextInfo, bool)
	GraphicsContexts() ([]ContextInfo, bool)
}

// Manager holds the process-wide GPU capability. The zero number of
// devices models "no GPU capability" explicitly; callers never see nil.
type Manager struct {
	devices     []Device
	initialized bool
	logger      *slog.Logger
}

// NewManager initializes NVML and enumerates devices. Initialization
// failure is not fatal: the returned manager reports an empty inventory
// for the rest of the process lifetime.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &Manager{logger: logger}

	if ret := nvml.Init(); !errors.Is(ret, nvml.SUCCESS) {
		logger.Warn("GPU monitoring disabled", "reason", fmt.Sprintf("NVML init: %s", nvml.ErrorString(ret)))
		return m
	}
	m.initialized = true

	count, ret := nvml.DeviceGetCount()
	if !errors.Is(ret, nvml.SUCCESS) {
		logger.Warn("GPU enumeration failed", "err", nvml.ErrorString(ret))
		return m
	}

	for i := 0; i < count; i++ {
		handle, ret := nvml.DeviceGetHandleByIndex(i)
		if !errors.Is(ret, nvml.SUCCESS) {
			logger.Warn("skipping GPU", "index", i, "err", nvml.ErrorString(ret))
			continue
		}
		m.devices = append(m.devices, nvmlDevice{handle: handle})
	}
	logger.Info("GPU capability initialised", "devices", len(m.devices))
	return m
}

// Devices returns the enumerated device handles, empty when the
// capability is absent.
func (m *Manager) Devices() []Device {
	return m.devices
}

// Close releases the NVML handle.
func (m *Manager) Close() {
	if m.initialized {
		nvml.Shutdown()
		m.initialized = false
	}
}

// Inventory reports per-device telemetry. A device whose utilization or
// memory query fails is dropped for this cycle; one malfunctioning
// device must not abort the rest.
func Inventory(devices []Device) []metrics.GPURecord {
	records := make([]metrics.GPURecord, 0, len(devices))
	for index, device := range devices {
		utilization, ok := device.Utilization()
		if !ok {
			continue
		}
		memory, ok := device.Memory()
		if !ok {
			continue
		}
		record := metrics.GPURecord{
			Index:        index,
			UsagePercent: utilization,
			Memory:       memory,
		}
		if name, ok := device.Name(); ok {
			record.Name = name
		}
		records = append(records, record)
	}
	return records
}

// nvml "value not available" sentinel for per-context memory.
const memoryUnavailable = math.MaxUint64

type nvmlDevice struct {
	handle nvml.Device
}

func (d nvmlDevice) Name() (string, bool) {
	if name, ret := d.handle.GetName(); errors.Is(ret, nvml.SUCCESS) && name != "" {
		return name, true
	}
	// NVML could not name the device; try the PCI database.
	if pci, ret := d.handle.GetPciInfo(); errors.Is(ret, nvml.SUCCESS) {
		if name := lookupPCIName(pci.PciDeviceId); name != "" {
			return name, true
		}
	}
	return "", false
}

func (d nvmlDevice) Utilization() (float64, bool) {
	utilization, ret := d.handle.GetUtilizationRates()
	if !errors.Is(ret, nvml.SUCCESS) {
		return 0, false
	}
	return float64(utilization.Gpu), true
}

func (d nvmlDevice) Memory() (metrics.MemoryLoad, bool) {
	memory, ret := d.handle.GetMemoryInfo()
	if !errors.Is(ret, nvml.SUCCESS) {
		return metrics.MemoryLoad{}, false
	}
	return metrics.MemoryLoad{UsedBytes: memory.Used, TotalBytes: memory.Total}, true
}

func (d nvmlDevice) ComputeContexts() ([]ContextInfo, bool) {
	infos, ret := d.handle.GetComputeRunningProcesses()
	if !errors.Is(ret, nvml.SUCCESS) {
		return nil, false
	}
	return convertContexts(infos), true
}

func (d nvmlDevice) GraphicsContexts() ([]ContextInfo, bool) {
	infos, ret := d.handle.GetGraphicsRunningProcesses()
	if !errors.Is(ret, nvml.SUCCESS) {
		return nil, false
	}
	return convertContexts(infos), true
}

func convertContexts(infos []nvml.ProcessInfo) []ContextInfo {
	contexts := make([]ContextInfo, 0, len(infos))
	for _, info := range infos {
		memory := info.UsedGpuMemory
		if memory == memoryUnavailable {
			memory = 0
		}
		contexts = append(contexts, ContextInfo{PID: info.Pid, Memory: memory})
	}
	return contexts
}
