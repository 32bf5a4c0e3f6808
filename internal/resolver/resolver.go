package resolver

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/forgeserve/forge/internal/forgeerr"
)

// HubFile is one file entry as reported by the remote hub (spec §6.2).
type HubFile struct {
	Path string
	Size int64
}

// HubClient is the remote content hub collaborator contract (spec §6.2).
// internal/hub provides the HTTP implementation; the resolver depends only
// on this interface so tests can substitute an in-memory fake (spec §9).
type HubClient interface {
	GetCommitSha(ctx context.Context, repo, revision string) (string, error)
	ListFiles(ctx context.Context, repo, revision string) ([]HubFile, error)
}

// Destination is the resolved download plan: an ordered file list with
// sizes, ready to hand to the download worker.
type Destination struct {
	FilesInOrder []HubFile
	TotalSize    int64
	ShardCount   int
	RevisionSHA  string
}

// Available is one quantization option discovered in a repo's file tree.
type Available struct {
	Label      string
	Files      []HubFile
	TotalSize  int64
	ShardCount int
}

// Resolver implements C4 against a HubClient collaborator.
type Resolver struct {
	hub HubClient
}

// New builds a Resolver over hub.
func New(hub HubClient) *Resolver {
	return &Resolver{hub: hub}
}

// ListAvailable scans repo's file tree (descending one level into
// subdirectories) for .gguf files and groups them by quantization label.
func (r *Resolver) ListAvailable(ctx context.Context, repo, revision string) ([]Available, error) {
	files, err := r.hub.ListFiles(ctx, repo, revision)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindUnavailable, "HUB_LIST_FAILED", "list repo files", err)
	}

	byLabel := map[string][]HubFile{}
	for _, f := range files {
		if depth := strings.Count(f.Path, "/"); depth > 1 {
			continue // only descend one level
		}
		name := path.Base(f.Path)
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		label := ExtractQuantization(name)
		byLabel[label] = append(byLabel[label], f)
	}

	out := make([]Available, 0, len(byLabel))
	for label, fs := range byLabel {
		sort.Slice(fs, func(i, j int) bool { return fs[i].Path < fs[j].Path })
		var total int64
		shards := map[int]bool{}
		for _, f := range fs {
			total += f.Size
			if idx, _, ok := ShardIndexTotal(path.Base(f.Path)); ok {
				shards[idx] = true
			}
		}
		shardCount := len(shards)
		if shardCount == 0 {
			shardCount = 1
		}
		out = append(out, Available{Label: label, Files: fs, TotalSize: total, ShardCount: shardCount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

// Resolve translates a (repo, quantization) request into an ordered file
// list with sizes and the resolved commit sha.
func (r *Resolver) Resolve(ctx context.Context, repo, revision, quant string) (Destination, error) {
	available, err := r.ListAvailable(ctx, repo, revision)
	if err != nil {
		return Destination{}, err
	}

	var chosen *Available
	for i := range available {
		if strings.EqualFold(available[i].Label, quant) {
			chosen = &available[i]
			break
		}
	}
	if chosen == nil {
		labels := labelsOf(available)
		return Destination{}, forgeerr.Validation("QUANTIZATION_NOT_FOUND",
			fmt.Sprintf("quantization %q not found; available: %s", quant, strings.Join(labels, ", "))).
			WithMetadata(map[string]any{"requested": quant, "available": labels})
	}

	sha, err := r.hub.GetCommitSha(ctx, repo, revision)
	if err != nil {
		return Destination{}, forgeerr.Wrap(forgeerr.KindUnavailable, "HUB_SHA_FAILED", "resolve commit sha", err)
	}

	return Destination{
		FilesInOrder: chosen.Files,
		TotalSize:    chosen.TotalSize,
		ShardCount:   chosen.ShardCount,
		RevisionSHA:  sha,
	}, nil
}

func labelsOf(available []Available) []string {
	out := make([]string, len(available))
	for i, a := range available {
		out[i] = a.Label
	}
	return out
}

// SelectionError enumerates the three ways quantization selection can
// fail to produce a single choice (ported from quant_selector.rs).
type SelectionError struct {
	Kind      string // "no_quantizations_available" | "quantization_not_found" | "selection_required"
	Repo      string
	Requested string
	Available []string
}

func (e *SelectionError) Error() string {
	switch e.Kind {
	case "no_quantizations_available":
		return fmt.Sprintf("no quantizations available for %s", e.Repo)
	case "quantization_not_found":
		return fmt.Sprintf("quantization %q not found for %s; available: %s", e.Requested, e.Repo, strings.Join(e.Available, ", "))
	default:
		return fmt.Sprintf("selection required for %s; available: %s", e.Repo, strings.Join(e.Available, ", "))
	}
}

// ToForgeErr maps a SelectionError onto the core error taxonomy (spec §7).
func (e *SelectionError) ToForgeErr() *forgeerr.Error {
	md := map[string]any{"repo": e.Repo, "available": e.Available}
	switch e.Kind {
	case "no_quantizations_available":
		return forgeerr.Unavailable("NO_QUANTIZATIONS_AVAILABLE", e.Error()).WithMetadata(md)
	case "quantization_not_found":
		md["requested"] = e.Requested
		return forgeerr.Validation("QUANTIZATION_NOT_FOUND", e.Error()).WithMetadata(md)
	default:
		return forgeerr.Validation("SELECTION_REQUIRED", e.Error()).WithMetadata(md)
	}
}

// Selection is the outcome of SelectQuantization: the chosen label plus
// whether it was auto-picked (vs. explicitly requested by the caller).
type Selection struct {
	Label        string
	AutoSelected bool
}

// SelectQuantization runs the policy of spec §4.1.2: validate an explicit
// request against what's available, auto-pick when only one option
// exists, else walk DefaultQuantPreference, else require the caller to
// choose. Ported from the original implementation's
// QuantizationSelector::select.
func SelectQuantization(repo string, available []Available, requested string) (Selection, *SelectionError) {
	if len(available) == 0 {
		return Selection{}, &SelectionError{Kind: "no_quantizations_available", Repo: repo}
	}

	labels := labelsOf(available)

	if requested != "" {
		for _, l := range labels {
			if strings.EqualFold(l, requested) {
				return Selection{Label: l, AutoSelected: false}, nil
			}
		}
		return Selection{}, &SelectionError{Kind: "quantization_not_found", Repo: repo, Requested: requested, Available: labels}
	}

	if len(available) == 1 {
		return Selection{Label: available[0].Label, AutoSelected: true}, nil
	}

	for _, pref := range DefaultQuantPreference {
		for _, l := range labels {
			if strings.EqualFold(l, pref) {
				return Selection{Label: l, AutoSelected: true}, nil
			}
		}
	}

	return Selection{}, &SelectionError{Kind: "selection_required", Repo: repo, Available: labels}
}
