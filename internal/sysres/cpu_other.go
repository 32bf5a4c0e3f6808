//go:build !linux && !darwin

package sysres

// fillPlatformCPU has nothing to read on this platform; DetectCPU's
// runtime-derived fallbacks stand.
func fillPlatformCPU(info *CPUInfo) {}
