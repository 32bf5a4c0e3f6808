// Package gguf defines the GGUF-file parser collaborator contract. The
// parser itself is an external capability; the core depends only on this
// interface and calls it from blocking-safe call sites.
package gguf

import (
	"strings"

	"github.com/forgeserve/forge/internal/domain"
)

// Metadata is what a parse of one GGUF file yields.
type Metadata struct {
	Architecture  string
	Quantization  string
	ParamCountB   float64
	ContextLength int
	Metadata      map[string]string
}

// Parser parses GGUF container files. Purely synchronous; callers are
// responsible for keeping it off latency-sensitive goroutines.
type Parser interface {
	Parse(path string) (Metadata, error)
}

// DetectCapabilities infers the capability bitset from parsed metadata,
// primarily by inspecting the embedded chat template.
func DetectCapabilities(meta Metadata) domain.Capability {
	var caps domain.Capability

	tmpl := meta.Metadata["tokenizer.chat_template"]
	if strings.Contains(tmpl, "tool") || strings.Contains(tmpl, "function") {
		caps |= domain.CapToolCalling
	}

	arch := strings.ToLower(meta.Architecture)
	if strings.Contains(arch, "clip") || strings.Contains(arch, "vision") ||
		meta.Metadata["clip.has_vision_encoder"] == "true" {
		caps |= domain.CapVision
	}
	if strings.Contains(arch, "bert") || strings.Contains(arch, "embed") {
		caps |= domain.CapEmbedding
	}
	return caps
}
