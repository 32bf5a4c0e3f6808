package sysres

import "golang.org/x/sys/unix"

// fillPlatformCPU reads the macOS sysctl namespace. Apple silicon reports
// its P/E split under hw.perflevel0/1; Intel Macs lack those keys and
// fall back to the plain physical count.
func fillPlatformCPU(info *CPUInfo) {
	if s, err := unix.Sysctl("machdep.cpu.brand_string"); err == nil {
		info.Model = s
	}
	if n, err := unix.SysctlUint32("hw.physicalcpu"); err == nil {
		info.Physical = int(n)
	}
	if n, err := unix.SysctlUint32("hw.perflevel0.physicalcpu"); err == nil {
		info.Performance = int(n)
	}
	if n, err := unix.SysctlUint32("hw.perflevel1.physicalcpu"); err == nil {
		info.Efficiency = int(n)
	}
}
