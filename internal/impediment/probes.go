package impediment

import (
	"context"
	"net"

	"github.com/pbnjay/memory"
)

// NetworkProbe reports NoNetwork when no non-loopback interface is up
// with an address assigned.
func NetworkProbe() Probe {
	return ProbeFunc{Kind: NoNetwork, Fn: func(context.Context) (bool, error) {
		ifaces, err := net.Interfaces()
		if err != nil {
			return false, err
		}
		for _, iface := range ifaces {
			if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
				continue
			}
			addrs, err := iface.Addrs()
			if err == nil && len(addrs) > 0 {
				return false, nil
			}
		}
		return true, nil
	}}
}

// StorageProbe reports LowStorage when the filesystem holding path has
// less than minFree bytes available. minFree 0 disables the check.
func StorageProbe(path string, minFree uint64) Probe {
	return ProbeFunc{Kind: LowStorage, Fn: func(context.Context) (bool, error) {
		if minFree == 0 {
			return false, nil
		}
		free, err := freeBytes(path)
		if err != nil {
			return false, err
		}
		return free < minFree, nil
	}}
}

// Memory pressure thresholds.
const (
	lowMemoryTotal = 2 << 30   // devices with less RAM are always constrained
	lowMemoryFree  = 256 << 20 // free memory below this is pressure
)

// UnderMemoryPressure reports whether the host is short on memory.
// Unknown totals (0) count as no pressure.
func UnderMemoryPressure() bool {
	total := memory.TotalMemory()
	if total == 0 {
		return false
	}
	if total < lowMemoryTotal {
		return true
	}
	free := memory.FreeMemory()
	return free != 0 && free < lowMemoryFree
}
