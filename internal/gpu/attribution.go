package gpu

// Attribution is the estimated GPU footprint of one process,
// accumulated across devices and context lists.
type Attribution struct {
	UsagePercent float64
	MemoryBytes  uint64
	Devices      []int
}

type deviceLoad struct {
	utilization float64
	totalMemory uint64
	compute     []ContextInfo
	graphics    []ContextInfo
}

// Attribute estimates each process's share of every device's reported
// utilization and memory. The hardware exposes only a coarse per-device
// utilization and raw per-context memory, so a context's utilization
// share is its fraction of the device's total attributable memory
// applied to the device utilization.
//
// A pid appearing in both the compute and graphics lists of one device
// accumulates twice, in both utilization and memory. That mirrors the
// established behavior of this estimator; deduplicating would change
// reported numbers and needs a product decision first.
func Attribute(devices []Device) map[uint32]Attribution {
	result := make(map[uint32]Attribution)

	// Pass 1: per-device utilization and total attributable memory.
	loads := make([]deviceLoad, len(devices))
	for index, device := range devices {
		load := deviceLoad{}
		load.utilization, _ = device.Utilization()
		load.compute, _ = device.ComputeContexts()
		load.graphics, _ = device.GraphicsContexts()
		for _, ctx := range load.compute {
			load.totalMemory += ctx.Memory
		}
		for _, ctx := range load.graphics {
			load.totalMemory += ctx.Memory
		}
		if load.totalMemory == 0 {
			// No visible contexts: a baseline of 1 keeps the shares
			// at zero instead of dividing by zero.
			load.totalMemory = 1
		}
		loads[index] = load
	}

	// Pass 2: fold each context list into per-pid accumulators.
	for index, load := range loads {
		for _, contexts := range [][]ContextInfo{load.compute, load.graphics} {
			for _, ctx := range contexts {
				share := float64(ctx.Memory) / float64(load.totalMemory) * load.utilization
				entry := result[ctx.PID]
				entry.UsagePercent += share
				entry.MemoryBytes += ctx.Memory
				entry.Devices = appendDevice(entry.Devices, index)
				result[ctx.PID] = entry
			}
		}
	}
	return result
}

func appendDevice(devices []int, index int) []int {
	for _, existing := range devices {
		if existing == index {
			return devices
		}
	}
	return append(devices, index)
}
