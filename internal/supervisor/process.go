// Package supervisor implements the process supervisor (C7), its port
// allocator (C8), and the health monitor (C9): spawning, health-checking,
// and tearing down inference-server child processes under the two
// scheduling disciplines of spec §4.5.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/forgeserve/forge/internal/domain"
	"github.com/forgeserve/forge/internal/events"
	"github.com/forgeserve/forge/internal/forgeerr"
)

// BinaryLocator resolves the inference server binary when the composition
// root did not pin a bootstrap path (spec §4.5.1).
type BinaryLocator func(ctx context.Context) (string, error)

// Config holds the supervisor's fixed tunables.
type Config struct {
	Discipline      domain.Discipline
	BinaryPath      string // non-empty + existing: used without further probing
	LocateBinary    BinaryLocator
	// DefaultExtraFlags are appended to every spawn ahead of per-model
	// flags, e.g. a thread-count hint computed from the CPU topology.
	DefaultExtraFlags []string
	BasePort        int
	PidDir          string // one file per model id, holding "<pid> <port>"
	HealthURLFormat string // default "http://127.0.0.1:%d/health"
	HealthInterval  time.Duration
	StartupTimeout  time.Duration
	GraceTimeout    time.Duration
}

type handle struct {
	proc    domain.RunningProcess
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	exited  chan struct{}
	waitErr error
}

// Supervisor implements both the Concurrent and SingleSwap disciplines over
// one running-handles map (spec §4.5).
type Supervisor struct {
	cfg   Config
	ports *PortAllocator
	logs  *LogStore
	bus   *events.Bus
	log   *slog.Logger

	mu      sync.Mutex
	running map[int64]*handle

	swapMu sync.Mutex // serializes SingleSwap's ensure()
}

// New builds a Supervisor. logger may be nil, in which case slog.Default()
// is used.
func New(cfg Config, bus *events.Bus, logger *slog.Logger) *Supervisor {
	if cfg.HealthURLFormat == "" {
		cfg.HealthURLFormat = "http://127.0.0.1:%d/health"
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 10 * time.Second
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	if cfg.GraceTimeout <= 0 {
		cfg.GraceTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:     cfg,
		ports:   NewPortAllocator(cfg.BasePort),
		logs:    NewLogStore(),
		bus:     bus,
		log:     logger.With("component", "supervisor"),
		running: make(map[int64]*handle),
	}
}

// Logs returns the supervisor's ring-buffer log store, exposed to the
// proxy's log routes (spec §6.1).
func (s *Supervisor) Logs() *LogStore { return s.logs }

// Start implements the Concurrent discipline's start(config). It allocates
// a port, spawns the inference binary, and waits for it to report healthy.
func (s *Supervisor) Start(ctx context.Context, sc domain.SpawnConfig) (domain.RunningProcess, error) {
	s.mu.Lock()
	if _, ok := s.running[sc.ModelID]; ok {
		s.mu.Unlock()
		return domain.RunningProcess{}, forgeerr.Conflict("SERVER_ALREADY_RUNNING",
			fmt.Sprintf("model %d is already running", sc.ModelID))
	}
	s.mu.Unlock()

	bin, err := s.resolveBinary(ctx)
	if err != nil {
		return domain.RunningProcess{}, err
	}

	port, err := s.ports.Allocate(sc.RequestedPort)
	if err != nil {
		return domain.RunningProcess{}, err
	}

	h, err := s.spawn(bin, port, sc)
	if err != nil {
		s.ports.Release(port)
		return domain.RunningProcess{}, err
	}

	s.mu.Lock()
	s.running[sc.ModelID] = h
	s.mu.Unlock()

	if err := s.waitHealthy(ctx, h.proc); err != nil {
		_ = s.Stop(context.Background(), sc.ModelID)
		return domain.RunningProcess{}, err
	}

	s.bus.Publish(domain.Event{
		Type:    domain.EventServerStarted,
		Payload: domain.ServerLifecyclePayload{ModelID: sc.ModelID, Port: port},
	})

	healthCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go s.runHealthMonitor(healthCtx, sc.ModelID, h.proc.PID, port)

	return h.proc, nil
}

// spawn starts the child process and attaches its log streams, but does
// not wait for it to become healthy or register it in the running map.
func (s *Supervisor) spawn(bin string, port int, sc domain.SpawnConfig) (*handle, error) {
	args := []string{"-m", sc.ModelPath, "--host", "127.0.0.1", "--port", strconv.Itoa(port), "--metrics"}
	if sc.ContextSize > 0 {
		args = append(args, "-c", strconv.Itoa(sc.ContextSize))
	}
	if sc.Jinja {
		args = append(args, "--jinja")
	}
	if sc.ReasoningFormat != "" {
		args = append(args, "--reasoning-format", sc.ReasoningFormat)
	}
	args = append(args, s.cfg.DefaultExtraFlags...)
	args = append(args, sc.ExtraFlags...)

	cmd := exec.Command(bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindInternal, "SPAWN_PIPE_FAILED", "open stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindInternal, "SPAWN_PIPE_FAILED", "open stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindUnavailable, "SPAWN_FAILED", "start inference server", err)
	}

	s.logs.Attach(port, stdout, stderr)

	if err := s.writePidFile(sc.ModelID, cmd.Process.Pid, port); err != nil {
		s.log.Warn("write pidfile failed", "model_id", sc.ModelID, "error", err)
	}

	h := &handle{
		proc: domain.RunningProcess{
			ModelID:   sc.ModelID,
			PID:       cmd.Process.Pid,
			Port:      port,
			StartedAt: time.Now(),
			Config:    sc,
		},
		cmd:    cmd,
		exited: make(chan struct{}),
	}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.exited)
	}()
	return h, nil
}

func (s *Supervisor) waitHealthy(ctx context.Context, proc domain.RunningProcess) error {
	deadline := time.Now().Add(s.cfg.StartupTimeout)
	url := fmt.Sprintf(s.cfg.HealthURLFormat, proc.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	for {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if resp, err := client.Do(req); err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		if time.Now().After(deadline) {
			return forgeerr.Unavailable("SERVER_START_TIMEOUT",
				fmt.Sprintf("model %d did not become healthy within %s", proc.ModelID, s.cfg.StartupTimeout))
		}

		select {
		case <-ctx.Done():
			return forgeerr.Wrap(forgeerr.KindCancelled, "CANCELLED", "wait for healthy server cancelled", ctx.Err())
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// Stop implements stop(handle): graceful signal, bounded grace period,
// forceful kill, pidfile removal.
func (s *Supervisor) Stop(ctx context.Context, modelID int64) error {
	s.mu.Lock()
	h, ok := s.running[modelID]
	if ok {
		delete(s.running, modelID)
	}
	s.mu.Unlock()

	if !ok {
		return forgeerr.NotFound("SERVER_NOT_RUNNING", fmt.Sprintf("model %d is not running", modelID))
	}
	return s.stopHandle(h)
}

func (s *Supervisor) stopHandle(h *handle) error {
	if h.cancel != nil {
		h.cancel()
	}
	s.ports.Release(h.proc.Port)
	s.logs.Detach(h.proc.Port)
	s.removePidFile(h.proc.ModelID)

	if h.cmd.Process != nil {
		select {
		case <-h.exited:
		default:
			if err := h.cmd.Process.Signal(gracefulSignal); err != nil && !errors.Is(err, os.ErrProcessDone) {
				s.log.Warn("graceful signal failed", "pid", h.proc.PID, "error", err)
			}
			select {
			case <-h.exited:
			case <-time.After(s.cfg.GraceTimeout):
				if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
					s.log.Warn("forceful kill failed", "pid", h.proc.PID, "error", err)
				}
				<-h.exited
			}
		}
	}

	s.bus.Publish(domain.Event{
		Type:    domain.EventServerStopped,
		Payload: domain.ServerLifecyclePayload{ModelID: h.proc.ModelID, Port: h.proc.Port},
	})
	return nil
}

// ListRunning implements list_running(): a snapshot of every live handle.
func (s *Supervisor) ListRunning() []domain.RunningProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RunningProcess, 0, len(s.running))
	for _, h := range s.running {
		out = append(out, h.proc)
	}
	return out
}

// IsRunning implements is_running(id).
func (s *Supervisor) IsRunning(modelID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[modelID]
	return ok
}

// GetInfo implements get_info(id).
func (s *Supervisor) GetInfo(modelID int64) (domain.RunningProcess, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.running[modelID]
	if !ok {
		return domain.RunningProcess{}, false
	}
	return h.proc, true
}

// CleanupDead implements cleanup_dead(): a non-blocking sweep of handles
// whose child has already exited, emitting a process-died event for each.
func (s *Supervisor) CleanupDead() {
	s.mu.Lock()
	var dead []*handle
	for id, h := range s.running {
		select {
		case <-h.exited:
			dead = append(dead, h)
			delete(s.running, id)
		default:
		}
	}
	s.mu.Unlock()

	for _, h := range dead {
		if h.cancel != nil {
			h.cancel()
		}
		s.ports.Release(h.proc.Port)
		s.logs.Detach(h.proc.Port)
		s.removePidFile(h.proc.ModelID)
		s.bus.Publish(domain.Event{
			Type:    domain.EventServerDied,
			Payload: domain.ServerLifecyclePayload{ModelID: h.proc.ModelID, Port: h.proc.Port},
		})
	}
}

// Ensure is what the proxy calls to make a target model ready (spec §4.6),
// regardless of discipline: under Concurrent it starts sc if it isn't
// already running and leaves any other model alone; under SingleSwap it
// additionally stops whatever else occupies the single slot first. A
// concurrent in-flight swap is serialized so the proxy never starts two
// swaps at once.
func (s *Supervisor) Ensure(ctx context.Context, sc domain.SpawnConfig) (domain.RunningProcess, error) {
	if proc, ok := s.GetInfo(sc.ModelID); ok {
		return proc, nil
	}

	if s.cfg.Discipline != domain.DisciplineSingleSwap {
		return s.Start(ctx, sc)
	}

	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	if proc, ok := s.GetInfo(sc.ModelID); ok {
		return proc, nil
	}
	for _, id := range s.runningIDs() {
		if err := s.Stop(ctx, id); err != nil {
			return domain.RunningProcess{}, err
		}
	}
	return s.Start(ctx, sc)
}

func (s *Supervisor) runningIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	return ids
}

func (s *Supervisor) resolveBinary(ctx context.Context) (string, error) {
	if s.cfg.BinaryPath != "" {
		if _, err := os.Stat(s.cfg.BinaryPath); err == nil {
			return s.cfg.BinaryPath, nil
		}
	}
	if s.cfg.LocateBinary != nil {
		path, err := s.cfg.LocateBinary(ctx)
		if err == nil {
			return path, nil
		}
		return "", forgeerr.Unavailable("LLAMA_SERVER_NOT_INSTALLED", "inference server binary not found").
			WithMetadata(notInstalledMetadata(s.cfg.BinaryPath, err.Error()))
	}
	return "", forgeerr.Unavailable("LLAMA_SERVER_NOT_INSTALLED", "inference server binary not configured").
		WithMetadata(notInstalledMetadata(s.cfg.BinaryPath, "no binary path configured and no resolver available"))
}

func notInstalledMetadata(expectedPath, reason string) map[string]any {
	return map[string]any{
		"expectedPath":     expectedPath,
		"legacyPath":       "/usr/local/bin/llama-server",
		"suggestedCommand": "brew install llama.cpp",
		"reason":           reason,
	}
}

func (s *Supervisor) writePidFile(modelID int64, pid, port int) error {
	if s.cfg.PidDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.cfg.PidDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(s.cfg.PidDir, fmt.Sprintf("%d.pid", modelID))
	return os.WriteFile(path, []byte(fmt.Sprintf("%d %d\n", pid, port)), 0o644)
}

func (s *Supervisor) removePidFile(modelID int64) {
	if s.cfg.PidDir == "" {
		return
	}
	_ = os.Remove(filepath.Join(s.cfg.PidDir, fmt.Sprintf("%d.pid", modelID)))
}
