// Package sysres reports the machine resources that matter when picking a
// GGUF quantization: how much RAM the process can actually use (cgroup
// limits included) and which quantization tier fits in it.
package sysres

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// QuantTier describes one quantization level and the RAM it needs to run
// a mid-sized model comfortably.
type QuantTier struct {
	Label       string  `json:"label"`
	Description string  `json:"description"`
	MinRAMGB    float64 `json:"min_ram_gb"`
}

// quantTiers lists GGUF quantization labels in descending quality order.
// Each tier requires progressively less RAM.
var quantTiers = []QuantTier{
	{"Q8_0", "Near-lossless, ~8 bits/weight — best quality", 32},
	{"Q6_K", "6-bit k-quant — excellent quality/size balance", 24},
	{"Q5_K_M", "5-bit medium — great quality, moderate RAM", 20},
	{"Q4_K_M", "4-bit medium — sweet spot for most machines", 16},
	{"Q4_K_S", "4-bit small — slightly lower quality", 12},
	{"Q3_K_M", "3-bit medium — low RAM but noticeable quality loss", 8},
	{"Q2_K", "2-bit — emergency option, significant quality loss", 4},
}

// AvailableRAMGB returns the RAM available to the current process in
// gigabytes.
//
// Priority order (highest to lowest):
//  1. cgroup v2 memory limit  (/sys/fs/cgroup/memory.max)
//  2. cgroup v1 memory limit  (/sys/fs/cgroup/memory/memory.limit_in_bytes)
//  3. /proc/meminfo MemTotal
//  4. Platform sysctl (macOS hw.memsize)
//  5. Go runtime Sys bytes or 8 GB default
//
// Reading the cgroup limit before /proc/meminfo means a container with
// --memory=1g correctly reports 1 GB instead of the host's 64 GB.
func AvailableRAMGB() float64 {
	if gb := readCgroupV2MemLimit(); gb > 0 {
		return gb
	}
	if gb := readCgroupV1MemLimit(); gb > 0 {
		return gb
	}
	if gb := readProcMeminfo(); gb > 0 {
		return gb
	}
	if gb := detectSysRAMGB(); gb > 0 {
		return gb
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	gb := float64(ms.Sys) / 1e9
	if gb < 1 {
		return 8
	}
	return gb
}

// readCgroupV2MemLimit reads the memory limit from cgroup v2.
// Returns 0 if the file is absent, "max" (unlimited), or cannot be parsed.
func readCgroupV2MemLimit() float64 {
	data, err := os.ReadFile("/sys/fs/cgroup/memory.max")
	if err != nil {
		return 0
	}
	s := strings.TrimSpace(string(data))
	if s == "max" || s == "" {
		return 0
	}
	bytes, err := strconv.ParseInt(s, 10, 64)
	if err != nil || bytes <= 0 {
		return 0
	}
	return float64(bytes) / 1e9
}

// readCgroupV1MemLimit reads the memory limit from cgroup v1.
// Returns 0 if absent, at the OS maximum sentinel value, or unparseable.
func readCgroupV1MemLimit() float64 {
	data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes")
	if err != nil {
		return 0
	}
	bytes, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || bytes <= 0 {
		return 0
	}
	// The kernel uses a very large sentinel (PAGE_COUNTER_MAX) for "no
	// limit". Anything above 4 PiB is effectively unlimited.
	const maxSentinel = 4 * 1024 * 1024 * 1024 * 1024 * 1024
	if bytes >= maxSentinel {
		return 0
	}
	return float64(bytes) / 1e9
}

// readProcMeminfo reads MemTotal from /proc/meminfo (Linux / Docker).
func readProcMeminfo() float64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		// Format: "MemTotal:       16384000 kB"
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return float64(kb) / (1024 * 1024)
	}
	return 0
}

// RecommendTier returns the highest-quality quant tier that fits in ramGB.
func RecommendTier(ramGB float64) QuantTier {
	for _, t := range quantTiers {
		if ramGB >= t.MinRAMGB {
			return t
		}
	}
	return quantTiers[len(quantTiers)-1] // Q2_K always fits
}

// RecommendLabel returns the recommended quantization label for this
// machine (e.g. "Q4_K_M"), shown as a badge next to hub search results.
func RecommendLabel(ramGB float64) string {
	return RecommendTier(ramGB).Label
}

// AllTiers returns the full tier table for display.
func AllTiers() []QuantTier {
	return quantTiers
}
