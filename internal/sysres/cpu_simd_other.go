//go:build !amd64 && !arm64

package sysres

// simdFeatures reports none on architectures without a feature probe.
func simdFeatures() []string {
	return nil
}
