package sysres

import (
	"runtime"
	"strconv"
	"strings"
)

// CPUInfo is the slice of host CPU state forge cares about: enough to
// size the inference server's thread pool and to report on /api/system.
// Detection is best-effort; zero fields mean "unknown" and every consumer
// has a safe fallback.
type CPUInfo struct {
	Model       string
	Logical     int
	Physical    int
	Performance int // hybrid P-core count; 0 on non-hybrid hosts
	Efficiency  int // hybrid E-core count
	SIMD        []string
}

// DetectCPU probes the host. It never fails: the logical-core count from
// the runtime is always present, Physical falls back to it and Model to
// the architecture name, and anything else that cannot be read stays at
// its zero value.
func DetectCPU() CPUInfo {
	info := CPUInfo{
		Logical: runtime.NumCPU(),
		SIMD:    simdFeatures(),
	}
	fillPlatformCPU(&info)
	if info.Physical == 0 {
		info.Physical = info.Logical
	}
	if info.Model == "" {
		info.Model = runtime.GOARCH
	}
	return info
}

// SIMDSummary renders the detected vector extensions for display.
func (c CPUInfo) SIMDSummary() string {
	if len(c.SIMD) == 0 {
		return "none"
	}
	return strings.Join(c.SIMD, " ")
}

// InferenceThreads picks the thread count passed to the inference server.
// On hybrid CPUs only the performance cores are counted: spilling token
// generation onto efficiency cores costs more in scheduler churn than
// their throughput adds. Elsewhere, one thread per physical core.
func InferenceThreads(c CPUInfo) int {
	n := c.Physical
	if c.Performance > 0 {
		n = c.Performance
	}
	if n < 1 {
		n = 1
	}
	return n
}

// countCPUList counts the cpus named by a kernel cpu-list string such as
// "0-7,16-23" or "0,2,4". Malformed segments count zero.
func countCPUList(s string) int {
	total := 0
	for _, seg := range strings.Split(strings.TrimSpace(s), ",") {
		if seg == "" {
			continue
		}
		lo, hi, found := strings.Cut(seg, "-")
		if !found {
			if _, err := strconv.Atoi(seg); err == nil {
				total++
			}
			continue
		}
		a, errA := strconv.Atoi(lo)
		b, errB := strconv.Atoi(hi)
		if errA != nil || errB != nil || b < a {
			continue
		}
		total += b - a + 1
	}
	return total
}
