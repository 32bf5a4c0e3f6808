// Package download implements the download worker (C5) and download
// manager (C6) of spec §4.1 and §4.3.
package download

import (
	"context"
	"path/filepath"

	"github.com/forgeserve/forge/internal/forgeerr"
	"github.com/forgeserve/forge/internal/resolver"
)

// Fetcher is the byte-fetching collaborator the worker drives; it is the
// download_files half of the hub client contract (spec §6.2), kept
// narrow so the worker doesn't need the rest of HubClient.
type Fetcher interface {
	Fetch(ctx context.Context, repo, revision string, files []resolver.HubFile, destDir string, onProgress func(downloaded, total int64)) error
}

// Job is the value-typed unit of work handed to the worker. It carries no
// reference back to the manager; progress and completion flow out only
// through ProgressCh and the return value of Run.
type Job struct {
	ID           string
	Repo         string
	Revision     string
	Quantization string
	Destination  resolver.Destination
	ModelsDir    string
	ProgressCh   chan<- Progress
}

// Progress is one sampled update, carrying a monotonically increasing
// sequence number per spec invariant I4.
type Progress struct {
	Seq             uint64
	DownloadedBytes int64
	TotalBytes      int64
}

// CompletedJob is what the worker hands back on success. The worker never
// touches the library store itself (spec §4.3); the manager does that.
type CompletedJob struct {
	PrimaryPath string
	AllPaths    []string
	Repo        string
	CommitSha   string
	Quantization string
	Filenames   []string
}

// Worker fetches one job's files to disk.
type Worker struct {
	fetcher Fetcher
}

// NewWorker builds a Worker over fetcher.
func NewWorker(fetcher Fetcher) *Worker {
	return &Worker{fetcher: fetcher}
}

// Run executes job, reporting coalesced progress on job.ProgressCh and
// honoring ctx cancellation cooperatively. On success it returns a
// CompletedJob; the caller (the manager) is responsible for registering
// the result with the library store.
func (w *Worker) Run(ctx context.Context, job Job) (CompletedJob, error) {
	destDir := filepath.Join(job.ModelsDir, sanitizeRepoDir(job.Repo))

	var seq uint64
	err := w.fetcher.Fetch(ctx, job.Repo, job.Revision, job.Destination.FilesInOrder, destDir, func(downloaded, total int64) {
		seq++
		if job.ProgressCh == nil {
			return
		}
		select {
		case job.ProgressCh <- Progress{Seq: seq, DownloadedBytes: downloaded, TotalBytes: total}:
		default:
			// Coalesce: a consumer that hasn't drained the previous
			// sample yet just misses this one: the next sample carries
			// the cumulative total, so no information is lost, only
			// granularity.
		}
	})

	select {
	case <-ctx.Done():
		return CompletedJob{}, forgeerr.ErrCancelled
	default:
	}

	if err != nil {
		return CompletedJob{}, forgeerr.Wrap(forgeerr.KindUnavailable, "FETCH_FAILED", "download files", err)
	}

	paths := make([]string, len(job.Destination.FilesInOrder))
	names := make([]string, len(job.Destination.FilesInOrder))
	for i, f := range job.Destination.FilesInOrder {
		paths[i] = filepath.Join(destDir, filepath.Base(f.Path))
		names[i] = filepath.Base(f.Path)
	}

	var primary string
	if len(paths) > 0 {
		primary = paths[0]
	}

	return CompletedJob{
		PrimaryPath:  primary,
		AllPaths:     paths,
		Repo:         job.Repo,
		CommitSha:    job.Destination.RevisionSHA,
		Quantization: job.Quantization,
		Filenames:    names,
	}, nil
}

func sanitizeRepoDir(repo string) string {
	out := make([]rune, 0, len(repo))
	for _, r := range repo {
		if r == '/' {
			r = '_'
		}
		out = append(out, r)
	}
	return string(out)
}
