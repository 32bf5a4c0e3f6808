package gguf

import (
	"testing"

	"github.com/forgeserve/forge/internal/domain"
)

func TestDetectCapabilities(t *testing.T) {
	cases := []struct {
		name string
		meta Metadata
		want domain.Capability
	}{
		{
			name: "tool-calling template",
			meta: Metadata{Metadata: map[string]string{
				"tokenizer.chat_template": "{% for tool in tools %}...{% endfor %}",
			}},
			want: domain.CapToolCalling,
		},
		{
			name: "vision encoder flag",
			meta: Metadata{Architecture: "llama", Metadata: map[string]string{
				"clip.has_vision_encoder": "true",
			}},
			want: domain.CapVision,
		},
		{
			name: "embedding architecture",
			meta: Metadata{Architecture: "bert", Metadata: map[string]string{}},
			want: domain.CapEmbedding,
		},
		{
			name: "plain chat model",
			meta: Metadata{Architecture: "llama", Metadata: map[string]string{
				"tokenizer.chat_template": "{{ messages }}",
			}},
			want: 0,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := DetectCapabilities(c.meta); got != c.want {
				t.Fatalf("DetectCapabilities = %b, want %b", got, c.want)
			}
		})
	}
}
