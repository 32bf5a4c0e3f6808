package domain

import (
	"fmt"
	"strings"
	"time"
)

// DownloadStatus is the lifecycle state of a QueuedDownload.
type DownloadStatus string

const (
	StatusQueued      DownloadStatus = "queued"
	StatusDownloading DownloadStatus = "downloading"
	StatusCompleted   DownloadStatus = "completed"
	StatusFailed      DownloadStatus = "failed"
	StatusCancelled   DownloadStatus = "cancelled"
)

// DownloadID is the canonical identity of a queued download: "<repo>:<quant>"
// or "<repo>" when no quantization was requested. Parsed by splitting at
// the final ':' only when the right-hand side contains no '/' (so repo
// ids containing a colon-free org/name never get misread as carrying a
// quantization suffix that isn't one).
type DownloadID string

// NewDownloadID builds the canonical id for a repo/quantization pair.
func NewDownloadID(repo, quant string) DownloadID {
	if quant == "" {
		return DownloadID(repo)
	}
	return DownloadID(repo + ":" + quant)
}

// Split parses the id back into repo and optional quantization.
func (id DownloadID) Split() (repo, quant string) {
	s := string(id)
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return s, ""
	}
	right := s[i+1:]
	if strings.Contains(right, "/") {
		return s, ""
	}
	return s[:i], right
}

// ShardInfo locates one file within a multi-file artifact.
type ShardInfo struct {
	Index    int
	Total    int
	Filename string
	Size     int64
}

// QueuedDownload is one row of the download queue, persisted state plus a
// live progress overlay.
type QueuedDownload struct {
	ID             DownloadID
	ModelID        string // repo id
	Quantization   string
	DisplayName    string
	Status         DownloadStatus
	Position       int // 1-based; 1 == running
	DownloadedBytes int64
	TotalBytes      int64
	SpeedBps        float64
	QueuedAt        time.Time
	StartedAt       *time.Time
	GroupID         string
	Shard           *ShardInfo
	LastError       string
}

// WithQuantization is a builder-style setter, mirroring the original's
// fluent QueuedDownload construction.
func (q QueuedDownload) WithQuantization(quant string) QueuedDownload {
	q.Quantization = quant
	return q
}

// WithStatus is a builder-style setter.
func (q QueuedDownload) WithStatus(s DownloadStatus) QueuedDownload {
	q.Status = s
	return q
}

// WithShardInfo is a builder-style setter.
func (q QueuedDownload) WithShardInfo(s ShardInfo) QueuedDownload {
	q.Shard = &s
	return q
}

// UpdateProgress stores a raw progress sample. ProgressPercent and
// ETASeconds derive their values from these fields on demand.
func (q *QueuedDownload) UpdateProgress(downloaded, total int64, speedBps float64) {
	q.DownloadedBytes = downloaded
	q.TotalBytes = total
	q.SpeedBps = speedBps
}

// ProgressPercent reports 0-100, or 0 if total is unknown.
func (q QueuedDownload) ProgressPercent() float64 {
	if q.TotalBytes <= 0 {
		return 0
	}
	pct := float64(q.DownloadedBytes) / float64(q.TotalBytes) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// ETASeconds reports the estimated remaining seconds, or nil when the rate
// is zero or the download is already complete.
func (q QueuedDownload) ETASeconds() *float64 {
	if q.SpeedBps <= 0 || q.TotalBytes <= q.DownloadedBytes {
		return nil
	}
	remaining := float64(q.TotalBytes-q.DownloadedBytes) / q.SpeedBps
	return &remaining
}

// IsActive reports whether this item is the one currently downloading.
func (q QueuedDownload) IsActive() bool { return q.Status == StatusDownloading }

// IsComplete reports whether this item has reached a terminal state.
func (q QueuedDownload) IsComplete() bool {
	switch q.Status {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// SpeedDisplay renders SpeedBps as a human-readable rate.
func SpeedDisplay(bps float64) string {
	switch {
	case bps >= 1e9:
		return fmt.Sprintf("%.1f GB/s", bps/1e9)
	case bps >= 1e6:
		return fmt.Sprintf("%.1f MB/s", bps/1e6)
	case bps >= 1e3:
		return fmt.Sprintf("%.1f KB/s", bps/1e3)
	default:
		return fmt.Sprintf("%.0f B/s", bps)
	}
}

// ETADisplay renders a duration in seconds as "Xh Ym" / "Xm Ys" / "Xs".
func ETADisplay(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// FailedDownload is a recent-failures-list entry.
type FailedDownload struct {
	ID              DownloadID
	DisplayName     string
	Error           string
	FailedAt        time.Time
	Recoverable     bool
	DownloadedBytes int64
}

// WithRecoverable is a builder-style setter.
func (f FailedDownload) WithRecoverable(r bool) FailedDownload {
	f.Recoverable = r
	return f
}

// WithDownloadedBytes is a builder-style setter.
func (f FailedDownload) WithDownloadedBytes(b int64) FailedDownload {
	f.DownloadedBytes = b
	return f
}

// QueueSnapshot is the read-model returned by the manager's snapshot() op.
type QueueSnapshot struct {
	Items          []QueuedDownload
	MaxSize        int
	ActiveCount    int
	PendingCount   int
	RecentFailures []FailedDownload
}

// IsEmpty reports whether the queue has no items.
func (s QueueSnapshot) IsEmpty() bool { return len(s.Items) == 0 }

// IsFull reports whether the queue is at its configured ceiling.
func (s QueueSnapshot) IsFull() bool { return s.MaxSize > 0 && len(s.Items) >= s.MaxSize }

// Get finds an item by id, or reports ok=false.
func (s QueueSnapshot) Get(id DownloadID) (QueuedDownload, bool) {
	for _, it := range s.Items {
		if it.ID == id {
			return it, true
		}
	}
	return QueuedDownload{}, false
}
