package sysres

import "golang.org/x/sys/cpu"

// simdFeatures lists the arm64 vector extensions. NEON (ASIMD) is
// mandatory on arm64 but the kernel flag is still consulted; SVE is the
// interesting optional one.
func simdFeatures() []string {
	out := []string{}
	if cpu.ARM64.HasASIMD {
		out = append(out, "NEON")
	}
	if cpu.ARM64.HasSVE {
		out = append(out, "SVE")
	}
	return out
}
