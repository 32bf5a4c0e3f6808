// Package domain holds the plain data types shared by the repositories,
// the download manager and the supervisor. None of these types own a
// mutex or a goroutine; the services that mutate them do.
package domain

import "time"

// Capability is a bitset of inferred model capabilities (tool calling,
// vision, etc.), derived from a chat template at registration time.
type Capability uint32

const (
	CapToolCalling Capability = 1 << iota
	CapVision
	CapEmbedding
)

// Has reports whether all bits in want are set.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// Model is a library record: one row per registered artifact, one or
// more ModelFile shard rows owned by it.
type Model struct {
	ID   int64
	Name string

	// ModelKey is the deduplication identity: "hf:<repo>@<revision>#<base_filename>"
	// for remote-origin artifacts, "local:<hash(path)>" for imports.
	ModelKey string

	FilePath      string
	ShardPaths    []string
	ParamCountB   float64
	Architecture  string
	Quantization  string
	ContextLength int
	Metadata      map[string]string
	AddedAt       time.Time

	HFRepoID   string
	HFRevision string
	HFFilename string

	DownloadDate     time.Time
	LastUpdateCheck  time.Time
	Tags             []string
	Capabilities     Capability
	InferenceDefault *InferenceDefaults
}

// InferenceDefaults holds per-model spawn overrides the supervisor applies
// unless the caller supplies its own.
type InferenceDefaults struct {
	ContextSize int
	ExtraFlags  []string
}

// ModelFile is a per-shard record. ShardIndex is 0 for single-file models;
// for sharded artifacts, indices within one model form the contiguous
// range 0..N.
type ModelFile struct {
	ID           int64
	ModelID      int64
	FilePath     string
	ShardIndex   int
	ExpectedSize int64
	ContentHash  string
	LastVerified time.Time
}
