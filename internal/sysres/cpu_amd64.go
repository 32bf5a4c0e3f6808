package sysres

import "golang.org/x/sys/cpu"

// simdFeatures lists the x86-64 vector extensions the inference binary
// can exploit, widest first.
func simdFeatures() []string {
	var out []string
	if cpu.X86.HasAVX512F {
		out = append(out, "AVX-512")
	}
	if cpu.X86.HasAVX2 {
		out = append(out, "AVX2")
	}
	if cpu.X86.HasAVX {
		out = append(out, "AVX")
	}
	if cpu.X86.HasFMA {
		out = append(out, "FMA")
	}
	return out
}
