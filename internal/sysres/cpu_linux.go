package sysres

import (
	"bufio"
	"os"
	"strings"
)

// fillPlatformCPU reads /proc/cpuinfo for the model name and the distinct
// (physical id, core id) pairs, and the sysfs hybrid-core lists for the
// P/E split on Intel 12th-gen+ parts.
func fillPlatformCPU(info *CPUInfo) {
	if f, err := os.Open("/proc/cpuinfo"); err == nil {
		defer f.Close()

		cores := map[string]bool{}
		var pkg, core string
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			key, val, found := strings.Cut(scanner.Text(), ":")
			if !found {
				continue
			}
			key = strings.TrimSpace(key)
			val = strings.TrimSpace(val)
			switch key {
			case "model name":
				if info.Model == "" {
					info.Model = val
				}
			case "physical id":
				pkg = val
			case "core id":
				core = val
				cores[pkg+":"+core] = true
			}
		}
		if len(cores) > 0 {
			info.Physical = len(cores)
		}
	}

	// Hybrid topology: the kernel exposes per-type cpu lists only when the
	// part actually has both core types.
	if b, err := os.ReadFile("/sys/devices/system/cpu/cpu_core/cpus"); err == nil {
		info.Performance = countCPUList(string(b))
	}
	if b, err := os.ReadFile("/sys/devices/system/cpu/cpu_atom/cpus"); err == nil {
		info.Efficiency = countCPUList(string(b))
	}
}
