package domain

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"time"
)

// CompletionKeyKind discriminates the origin of a CompletionKey.
type CompletionKeyKind string

const (
	KeyKindHFFile    CompletionKeyKind = "hf_file"
	KeyKindURLFile   CompletionKeyKind = "url_file"
	KeyKindLocalFile CompletionKeyKind = "local_file"
)

// CompletionKey is the stable identity of an artifact for queue-run
// reporting, independent of retries and shards. All shards of one
// artifact canonicalize to the same key via CanonicalizeShardFilename.
type CompletionKey struct {
	Kind CompletionKeyKind

	// HFFile
	Repo             string
	Revision         string
	BaseCanonicalName string
	Quantization     string

	// URLFile
	URL      string
	Filename string

	// LocalFile
	Path string
}

// NewHFFileKey builds a hub-artifact completion key, canonicalizing the
// filename so that all shards of one artifact share a key.
func NewHFFileKey(repo, revision, filename, quant string) CompletionKey {
	return CompletionKey{
		Kind:              KeyKindHFFile,
		Repo:              repo,
		Revision:          revision,
		BaseCanonicalName: CanonicalizeShardFilename(filename),
		Quantization:      quant,
	}
}

// NewURLFileKey builds a direct-URL completion key.
func NewURLFileKey(url, filename string) CompletionKey {
	return CompletionKey{Kind: KeyKindURLFile, URL: url, Filename: filename}
}

// NewLocalFileKey builds a local-import completion key.
func NewLocalFileKey(p string) CompletionKey {
	return CompletionKey{Kind: KeyKindLocalFile, Path: p}
}

// DisplayName renders the key the way a user would recognize it.
func (k CompletionKey) DisplayName() string {
	switch k.Kind {
	case KeyKindHFFile:
		if k.Quantization != "" {
			return fmt.Sprintf("%s (%s)", k.Repo, k.Quantization)
		}
		return k.Repo
	case KeyKindURLFile:
		return k.Filename
	case KeyKindLocalFile:
		return path.Base(k.Path)
	default:
		return ""
	}
}

var shardSuffixPattern = regexp.MustCompile(`(?i)^(.*?)[-_](?:part|shard)?-?\d+-of-\d+(\.[^.]+)$`)

// CanonicalizeShardFilename strips a "-NNNNN-of-MMMMM" (or "part-N-of-M",
// "shard-N-of-M") shard suffix so that "model-00001-of-00008.gguf" and its
// siblings all canonicalize to "model.gguf".
func CanonicalizeShardFilename(name string) string {
	if m := shardSuffixPattern.FindStringSubmatch(name); m != nil {
		return m[1] + m[2]
	}
	return name
}

// CompletionKind is the terminal outcome of one download attempt.
type CompletionKind string

const (
	CompletionDownloaded     CompletionKind = "downloaded"
	CompletionFailed         CompletionKind = "failed"
	CompletionCancelled      CompletionKind = "cancelled"
	CompletionAlreadyPresent CompletionKind = "already_present"
)

// AttemptCounts aggregates outcomes for one artifact across retries.
// AlreadyPresent is informational and never increments a counter.
type AttemptCounts struct {
	Downloaded uint32
	Failed     uint32
	Cancelled  uint32
}

// Increment bumps the counter matching kind; AlreadyPresent is a no-op.
func (a *AttemptCounts) Increment(kind CompletionKind) {
	switch kind {
	case CompletionDownloaded:
		a.Downloaded++
	case CompletionFailed:
		a.Failed++
	case CompletionCancelled:
		a.Cancelled++
	}
}

// Total is the sum of all attempt outcomes (excluding AlreadyPresent).
func (a AttemptCounts) Total() uint32 { return a.Downloaded + a.Failed + a.Cancelled }

// HasRetries reports whether more than one attempt was recorded.
func (a AttemptCounts) HasRetries() bool { return a.Total() > 1 }

// CompletionDetail is one artifact's rollup within a QueueRunSummary.
type CompletionDetail struct {
	Key               CompletionKey
	DisplayName       string
	LastResult        CompletionKind
	LastCompletedAtMs int64
	DownloadIDs       []DownloadID
	AttemptCounts     AttemptCounts
}

// QueueRunSummary is the queue_run_complete event payload: one idle→busy→
// idle cycle's rollup, capped at the 20 most recently completed artifacts.
type QueueRunSummary struct {
	RunID       string // uuid
	StartedAtMs int64
	CompletedAtMs int64

	TotalAttemptsDownloaded uint32
	TotalAttemptsFailed     uint32
	TotalAttemptsCancelled  uint32

	UniqueModelsDownloaded uint32
	UniqueModelsFailed     uint32
	UniqueModelsCancelled  uint32

	Truncated bool
	Items     []CompletionDetail
}

const maxQueueRunItems = 20

// TotalUniqueModels sums the unique-model counters across outcomes.
func (s QueueRunSummary) TotalUniqueModels() uint32 {
	return s.UniqueModelsDownloaded + s.UniqueModelsFailed + s.UniqueModelsCancelled
}

// TotalAttempts sums the attempt counters across outcomes.
func (s QueueRunSummary) TotalAttempts() uint32 {
	return s.TotalAttemptsDownloaded + s.TotalAttemptsFailed + s.TotalAttemptsCancelled
}

// HasRetries reports whether any item in the run was retried.
func (s QueueRunSummary) HasRetries() bool {
	for _, it := range s.Items {
		if it.AttemptCounts.HasRetries() {
			return true
		}
	}
	return false
}

// BuildQueueRunSummary aggregates per-artifact details collected during a
// run into the capped, sorted summary emitted on the event bus.
func BuildQueueRunSummary(runID string, startedAtMs, completedAtMs int64, details map[CompletionKey]*CompletionDetail) QueueRunSummary {
	s := QueueRunSummary{RunID: runID, StartedAtMs: startedAtMs, CompletedAtMs: completedAtMs}

	items := make([]CompletionDetail, 0, len(details))
	for _, d := range details {
		items = append(items, *d)
		s.TotalAttemptsDownloaded += d.AttemptCounts.Downloaded
		s.TotalAttemptsFailed += d.AttemptCounts.Failed
		s.TotalAttemptsCancelled += d.AttemptCounts.Cancelled
		switch d.LastResult {
		case CompletionDownloaded:
			s.UniqueModelsDownloaded++
		case CompletionFailed:
			s.UniqueModelsFailed++
		case CompletionCancelled:
			s.UniqueModelsCancelled++
		}
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].LastCompletedAtMs > items[j].LastCompletedAtMs
	})

	if len(items) > maxQueueRunItems {
		items = items[:maxQueueRunItems]
		s.Truncated = true
	}
	s.Items = items
	return s
}

// Now returns the current time; exists only so callers needing a
// timestamp source can be swapped out in tests.
var Now = time.Now
