package download

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeserve/forge/internal/db/librarystore"
	"github.com/forgeserve/forge/internal/db/queuestore"
	"github.com/forgeserve/forge/internal/domain"
	"github.com/forgeserve/forge/internal/events"
	"github.com/forgeserve/forge/internal/forgeerr"
	"github.com/forgeserve/forge/internal/metrics"
	"github.com/forgeserve/forge/internal/resolver"
)

// Config holds the manager's tunables (spec §4.1, §4.1.1, §4.1.4).
type Config struct {
	ModelsDir       string
	MaxConcurrent   int // default 1; the design does not require concurrency
	MaxQueueSize    int // 0 = unlimited
	PruneCompletedAfter time.Duration // 0 = never prune
}

// Request is the input to Queue: a (repo, optional quantization) request
// plus admission flags.
type Request struct {
	Repo         string
	Quantization string
	Revision     string // default "main"
	Force        bool
	AddToLibrary bool
}

// Manager implements C6: admission, ordering, throttling, group-aware
// cancel, retry, and completed-artifact registration.
type Manager struct {
	cfg      Config
	queue    *queuestore.Store
	library  *librarystore.Store
	resolver *resolver.Resolver
	worker   *Worker
	bus      *events.Bus

	mu      sync.Mutex
	cancels map[domain.DownloadID]context.CancelFunc
	failures []domain.FailedDownload

	runMu        sync.Mutex
	runActive    bool
	runStartedAt time.Time
	runDetails   map[domain.CompletionKey]*domain.CompletionDetail

	wake chan struct{}
}

// New builds a Manager. Call Start to begin the pull-based worker loop
// and run crash recovery.
func New(queue *queuestore.Store, library *librarystore.Store, res *resolver.Resolver, worker *Worker, bus *events.Bus, cfg Config) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Manager{
		cfg: cfg, queue: queue, library: library, resolver: res, worker: worker, bus: bus,
		cancels: make(map[domain.DownloadID]context.CancelFunc),
		wake:    make(chan struct{}, 1),
	}
}

// Start recovers any Downloading rows left over from a crash (flipping
// them back to Queued) and launches the worker loop. Returns once
// recovery completes; the loop runs until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	if _, err := m.queue.RecoverCrashed(ctx); err != nil {
		return err
	}
	if m.cfg.PruneCompletedAfter > 0 {
		_, _ = m.queue.PruneCompletedOlderThan(ctx, domain.Now().Add(-m.cfg.PruneCompletedAfter))
	}
	go m.loop(ctx)
	m.signalWork()
	return nil
}

func (m *Manager) signalWork() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}

		for m.runOneCycle(ctx) {
			// keep pulling while max_concurrent allows and items remain
		}
	}
}

// runOneCycle admits and runs a single queued item if capacity allows,
// returning true if it should be called again immediately (more items
// might be ready).
func (m *Manager) runOneCycle(ctx context.Context) bool {
	items, err := m.queue.List(ctx)
	if err != nil {
		return false
	}

	active := 0
	var next *domain.QueuedDownload
	for i := range items {
		if items[i].Status == domain.StatusDownloading {
			active++
		}
		if next == nil && items[i].Status == domain.StatusQueued {
			next = &items[i]
		}
	}
	if active >= m.cfg.MaxConcurrent || next == nil {
		if active == 0 && next == nil {
			m.maybeFinishRun(ctx)
		}
		return false
	}

	m.beginRun()
	m.runItem(ctx, *next)
	return true
}

func (m *Manager) runItem(ctx context.Context, item domain.QueuedDownload) {
	repo, quant := item.ModelID, item.Quantization

	item.Status = domain.StatusDownloading
	now := domain.Now()
	item.StartedAt = &now
	_ = m.queue.Upsert(ctx, item)
	m.bus.Publish(domain.Event{Type: domain.EventDownloadStarted, Payload: domain.DownloadLifecyclePayload{ID: item.ID}})

	jobCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancels[item.ID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, item.ID)
		m.mu.Unlock()
	}()

	revision := item.GroupID
	if revision == "" {
		revision = "main"
	}
	dest, err := m.resolver.Resolve(jobCtx, repo, revision, quant)
	if err != nil {
		m.fail(ctx, item, err)
		return
	}

	progressCh := make(chan Progress, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		speed := metrics.NewSpeedTracker()
		var lastWrite time.Time
		for p := range progressCh {
			speed.Observe(p.DownloadedBytes)
			// Write-through is sampled: the queue store sees at most one
			// progress row per ~250ms, the bus sees every sample.
			if now := time.Now(); now.Sub(lastWrite) >= 250*time.Millisecond {
				lastWrite = now
				upd := item
				upd.UpdateProgress(p.DownloadedBytes, p.TotalBytes, speed.BytesPerSecond())
				_ = m.queue.Upsert(ctx, upd)
			}
			m.bus.Publish(domain.Event{Type: domain.EventDownloadProgress, Payload: domain.DownloadProgressPayload{
				ID: item.ID, Seq: p.Seq, DownloadedBytes: p.DownloadedBytes, TotalBytes: p.TotalBytes,
				SpeedBps: speed.BytesPerSecond(),
			}})
		}
	}()

	result, err := m.worker.Run(jobCtx, Job{
		ID: string(item.ID), Repo: repo, Revision: item.GroupID, Quantization: quant,
		Destination: dest, ModelsDir: m.cfg.ModelsDir, ProgressCh: progressCh,
	})
	close(progressCh)
	<-done

	key := domain.NewHFFileKey(repo, item.GroupID, repo+".gguf", quant)

	if jobCtx.Err() != nil {
		item.Status = domain.StatusCancelled
		_ = m.queue.Delete(ctx, item.ID)
		m.recordOutcome(key, item.ID, domain.CompletionCancelled)
		m.bus.Publish(domain.Event{Type: domain.EventDownloadCancelled, Payload: domain.DownloadLifecyclePayload{ID: item.ID}})
		return
	}
	if err != nil {
		m.fail(ctx, item, err)
		m.recordOutcome(key, item.ID, domain.CompletionFailed)
		return
	}

	m.complete(ctx, item, result)
	m.recordOutcome(key, item.ID, domain.CompletionDownloaded)
}

func (m *Manager) fail(ctx context.Context, item domain.QueuedDownload, err error) {
	item.Status = domain.StatusFailed
	item.LastError = err.Error()
	_ = m.queue.Upsert(ctx, item)

	m.mu.Lock()
	m.failures = append(m.failures, domain.FailedDownload{
		ID: item.ID, DisplayName: item.DisplayName, Error: err.Error(),
		FailedAt: domain.Now(), Recoverable: true, DownloadedBytes: item.DownloadedBytes,
	})
	m.mu.Unlock()

	m.bus.Publish(domain.Event{Type: domain.EventDownloadFailed, Payload: domain.DownloadLifecyclePayload{ID: item.ID, Error: err.Error()}})
}

func (m *Manager) complete(ctx context.Context, item domain.QueuedDownload, result CompletedJob) {
	shardFiles := make([]domain.ModelFile, len(result.AllPaths))
	shardPaths := make([]string, len(result.AllPaths))
	for i, p := range result.AllPaths {
		shardFiles[i] = domain.ModelFile{FilePath: p, ShardIndex: i}
		shardPaths[i] = p
	}

	baseFilename := domain.CanonicalizeShardFilename(result.Filenames[0])
	key := librarystore.DeriveHFModelKey(result.Repo, result.CommitSha, baseFilename)

	model := domain.Model{
		Name:         result.Repo,
		ModelKey:     key,
		FilePath:     result.PrimaryPath,
		ShardPaths:   shardPaths,
		Quantization: result.Quantization,
		HFRepoID:     result.Repo,
		HFRevision:   result.CommitSha,
		HFFilename:   baseFilename,
		DownloadDate: domain.Now(),
	}
	if _, err := m.library.Upsert(ctx, model, shardFiles); err != nil {
		m.fail(ctx, item, err)
		return
	}

	item.Status = domain.StatusCompleted
	_ = m.queue.Delete(ctx, item.ID)
	m.bus.Publish(domain.Event{Type: domain.EventDownloadCompleted, Payload: domain.DownloadLifecyclePayload{ID: item.ID}})
}

// --- queue-run tracking (spec §4.1.3) ---

func (m *Manager) beginRun() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.runActive {
		m.runActive = true
		m.runStartedAt = domain.Now()
		m.runDetails = make(map[domain.CompletionKey]*domain.CompletionDetail)
	}
}

func (m *Manager) recordOutcome(key domain.CompletionKey, id domain.DownloadID, kind domain.CompletionKind) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.runDetails == nil {
		return
	}
	d, ok := m.runDetails[key]
	if !ok {
		d = &domain.CompletionDetail{Key: key, DisplayName: key.DisplayName()}
		m.runDetails[key] = d
	}
	d.AttemptCounts.Increment(kind)
	d.LastResult = kind
	d.LastCompletedAtMs = domain.Now().UnixMilli()
	d.DownloadIDs = append(d.DownloadIDs, id)
}

// maybeFinishRun emits exactly one queue_run_complete event per idle→
// busy→idle cycle, and only when the cycle contained at least one
// attempt (spec §9 open-question resolution).
func (m *Manager) maybeFinishRun(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.runActive {
		return
	}
	m.runActive = false
	if len(m.runDetails) == 0 {
		m.runDetails = nil
		return
	}

	summary := domain.BuildQueueRunSummary(uuid.NewString(), m.runStartedAt.UnixMilli(), domain.Now().UnixMilli(), m.runDetails)
	m.runDetails = nil
	m.bus.Publish(domain.Event{Type: domain.EventDownloadQueueRunDone, Payload: summary})
}

// --- public operations (spec §4.1) ---

// Queue admits req onto the tail of the queue.
func (m *Manager) Queue(ctx context.Context, req Request) (domain.DownloadID, error) {
	if req.Revision == "" {
		req.Revision = "main"
	}
	id := domain.NewDownloadID(req.Repo, req.Quantization)

	existing, _ := m.queue.List(ctx)
	if !req.Force {
		for _, it := range existing {
			if it.ID == id {
				return "", forgeerr.Conflict("ALREADY_QUEUED", string(id)+" is already queued")
			}
		}
	}
	if m.cfg.MaxQueueSize > 0 && len(existing) >= m.cfg.MaxQueueSize {
		return "", forgeerr.Conflict("QUEUE_FULL", "download queue is at its configured ceiling")
	}

	item := domain.QueuedDownload{
		ID: id, ModelID: req.Repo, Quantization: req.Quantization, DisplayName: req.Repo,
		Status: domain.StatusQueued, Position: len(existing) + 1, QueuedAt: domain.Now(), GroupID: req.Revision,
	}
	if err := m.queue.Upsert(ctx, item); err != nil {
		return "", err
	}
	m.publishSnapshot(ctx)
	m.signalWork()
	return id, nil
}

// QueueSmart runs the quantization selection policy of §4.1.2 before
// delegating to Queue.
func (m *Manager) QueueSmart(ctx context.Context, repo, quant string) (position, shardCount int, err error) {
	available, err := m.resolver.ListAvailable(ctx, repo, "main")
	if err != nil {
		return 0, 0, err
	}

	sel, selErr := resolver.SelectQuantization(repo, available, quant)
	if selErr != nil {
		return 0, 0, selErr.ToForgeErr()
	}

	id, err := m.Queue(ctx, Request{Repo: repo, Quantization: sel.Label})
	if err != nil {
		return 0, 0, err
	}

	snap, err := m.Snapshot(ctx)
	if err != nil {
		return 0, 0, err
	}
	item, _ := snap.Get(id)

	shardCount = 1
	for _, a := range available {
		if a.Label == sel.Label {
			shardCount = a.ShardCount
		}
	}
	return item.Position, shardCount, nil
}

// Snapshot reads persisted state plus the live failures overlay.
func (m *Manager) Snapshot(ctx context.Context) (domain.QueueSnapshot, error) {
	items, err := m.queue.List(ctx)
	if err != nil {
		return domain.QueueSnapshot{}, err
	}

	active, pending := 0, 0
	for _, it := range items {
		if it.Status == domain.StatusDownloading {
			active++
		} else if it.Status == domain.StatusQueued {
			pending++
		}
	}

	m.mu.Lock()
	failures := append([]domain.FailedDownload(nil), m.failures...)
	m.mu.Unlock()

	return domain.QueueSnapshot{
		Items: items, MaxSize: m.cfg.MaxQueueSize, ActiveCount: active, PendingCount: pending,
		RecentFailures: failures,
	}, nil
}

func (m *Manager) publishSnapshot(ctx context.Context) {
	snap, err := m.Snapshot(ctx)
	if err == nil {
		m.bus.Publish(domain.Event{Type: domain.EventDownloadQueueSnapshot, Payload: snap})
	}
}

// Cancel is idempotent (spec I9): cancelling a completed or unknown id is
// a no-op, never an error.
func (m *Manager) Cancel(ctx context.Context, id domain.DownloadID) error {
	m.mu.Lock()
	cancel, active := m.cancels[id]
	m.mu.Unlock()
	if active {
		cancel()
		return nil
	}

	item, err := m.queue.Get(ctx, id)
	if err != nil {
		return nil // unknown id: idempotent no-op
	}
	if item.IsComplete() {
		return nil
	}
	item.Status = domain.StatusCancelled
	_ = m.queue.Delete(ctx, id)
	m.bus.Publish(domain.Event{Type: domain.EventDownloadCancelled, Payload: domain.DownloadLifecyclePayload{ID: id}})
	return nil
}

// CancelGroup cancels every item sharing group_id.
func (m *Manager) CancelGroup(ctx context.Context, groupID string) error {
	items, err := m.queue.List(ctx)
	if err != nil {
		return err
	}
	for _, it := range items {
		if it.GroupID == groupID {
			if err := m.Cancel(ctx, it.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// CancelAll cancels every item currently in the queue.
func (m *Manager) CancelAll(ctx context.Context) error {
	items, err := m.queue.List(ctx)
	if err != nil {
		return err
	}
	for _, it := range items {
		if err := m.Cancel(ctx, it.ID); err != nil {
			return err
		}
	}
	return nil
}

// RemoveFromQueue rejects if the item is currently Downloading.
func (m *Manager) RemoveFromQueue(ctx context.Context, id domain.DownloadID) error {
	item, err := m.queue.Get(ctx, id)
	if err != nil {
		return err
	}
	if item.Status == domain.StatusDownloading {
		return forgeerr.Conflict("DOWNLOAD_IN_PROGRESS", string(id)+" is currently downloading")
	}
	return m.queue.Delete(ctx, id)
}

// Reorder moves id to new1Based, clamping out-of-range positions to
// [1, len]. Position 1 is only grantable to a currently-Downloading item.
func (m *Manager) Reorder(ctx context.Context, id domain.DownloadID, new1Based int) (int, error) {
	items, err := m.queue.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, forgeerr.NotFound("DOWNLOAD_NOT_FOUND", string(id)+" not found")
	}

	idx := -1
	for i, it := range items {
		if it.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, forgeerr.NotFound("DOWNLOAD_NOT_FOUND", string(id)+" not found")
	}

	target := new1Based
	if target < 1 {
		target = 1
	}
	if target > len(items) {
		target = len(items)
	}
	if target == 1 && items[idx].Status != domain.StatusDownloading {
		// position 1 is only grantable to a currently-Downloading item;
		// the next best slot is position 2 (or 1 if that's all there is).
		if len(items) > 1 {
			target = 2
		}
	}

	moved := items[idx]
	items = append(items[:idx], items[idx+1:]...)
	insertAt := target - 1
	if insertAt > len(items) {
		insertAt = len(items)
	}
	items = append(items[:insertAt], append([]domain.QueuedDownload{moved}, items[insertAt:]...)...)

	for i := range items {
		items[i].Position = i + 1
		if err := m.queue.Upsert(ctx, items[i]); err != nil {
			return 0, err
		}
	}
	m.publishSnapshot(ctx)
	return items[insertAt].Position, nil
}

// Retry re-inserts a failed item at the tail of the queue.
func (m *Manager) Retry(ctx context.Context, id domain.DownloadID) error {
	m.mu.Lock()
	var target *domain.FailedDownload
	remaining := m.failures[:0]
	for i := range m.failures {
		if m.failures[i].ID == id && target == nil {
			f := m.failures[i]
			target = &f
			continue
		}
		remaining = append(remaining, m.failures[i])
	}
	m.failures = remaining
	m.mu.Unlock()

	if target == nil {
		return forgeerr.NotFound("DOWNLOAD_NOT_FOUND", string(id)+" is not in the failures list")
	}

	repo, quant := id.Split()
	_, err := m.Queue(ctx, Request{Repo: repo, Quantization: quant, Force: true})
	return err
}

// ClearFailed empties the recent-failures list.
func (m *Manager) ClearFailed() {
	m.mu.Lock()
	m.failures = nil
	m.mu.Unlock()
}

// SetMaxQueueSize updates the admission ceiling.
func (m *Manager) SetMaxQueueSize(n int) {
	m.mu.Lock()
	m.cfg.MaxQueueSize = n
	m.mu.Unlock()
}

// GetMaxQueueSize reads the current admission ceiling.
func (m *Manager) GetMaxQueueSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.MaxQueueSize
}

// sortedByPosition returns a copy of items ordered by ascending position.
func sortedByPosition(items []domain.QueuedDownload) []domain.QueuedDownload {
	out := append([]domain.QueuedDownload(nil), items...)
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}
