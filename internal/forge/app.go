// Package forge is the composition root: it builds every repository,
// service, and adapter once, wires them together, and hands the result to
// the entry points (HTTP listeners, CLI subcommands). Tests swap the
// collaborator interfaces (hub client, GGUF parser) for in-memory fakes.
package forge

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/forgeserve/forge/internal/api"
	"github.com/forgeserve/forge/internal/config"
	"github.com/forgeserve/forge/internal/db"
	"github.com/forgeserve/forge/internal/db/librarystore"
	"github.com/forgeserve/forge/internal/db/queuestore"
	"github.com/forgeserve/forge/internal/domain"
	"github.com/forgeserve/forge/internal/download"
	"github.com/forgeserve/forge/internal/events"
	"github.com/forgeserve/forge/internal/gguf"
	"github.com/forgeserve/forge/internal/hub"
	"github.com/forgeserve/forge/internal/proxy"
	"github.com/forgeserve/forge/internal/resolver"
	"github.com/forgeserve/forge/internal/settings"
	"github.com/forgeserve/forge/internal/supervisor"
	"github.com/forgeserve/forge/internal/sysres"
	"github.com/forgeserve/forge/internal/voice"
)

// inferenceBinaryName is what the basename resolver looks up on PATH when
// no bootstrap path is pinned.
const inferenceBinaryName = "llama-server"

// App holds every owned service and shared store.
type App struct {
	Cfg      *config.Config
	Log      *slog.Logger
	DB       *sql.DB
	Bus      *events.Bus
	Library  *librarystore.Store
	Queue    *queuestore.Store
	Settings *settings.Store
	Hub      *hub.Client
	Manager  *download.Manager
	Sup      *supervisor.Supervisor
	Proxy    *proxy.Proxy
	Voice    *voice.Pipeline
	VoiceReg *voice.Registry
	CPU      sysres.CPUInfo
	Parser   gguf.Parser
}

// Options tweak construction for the different entry points.
type Options struct {
	// SingleSwap overrides cfg.SingleSwap; the proxy subcommand always
	// runs single-swap regardless of config.
	SingleSwap bool
	// Parser is the optional GGUF parser collaborator.
	Parser gguf.Parser
}

// New builds the app. Call Start to begin background work and Close to
// release the database.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.ModelsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create models dir: %w", err)
	}

	conn, err := db.Open(ctx, cfg.DBPath())
	if err != nil {
		return nil, err
	}

	st, err := settings.New(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	cpuInfo := sysres.DetectCPU()

	bus := events.New(0)
	library := librarystore.New(conn)
	queue := queuestore.New(conn)

	hubClient := hub.NewClient(cfg.HubBaseURL, cfg.HubToken)
	res := resolver.New(hubClient)
	worker := download.NewWorker(hubClient)

	maxQueue := cfg.MaxQueueSize
	if maxQueue == 0 {
		maxQueue = st.GetInt(settings.KeyMaxQueueSize, 0)
	}
	manager := download.New(queue, library, res, worker, bus, download.Config{
		ModelsDir:    cfg.ModelsDir,
		MaxQueueSize: maxQueue,
	})

	discipline := domain.DisciplineConcurrent
	if cfg.SingleSwap || opts.SingleSwap {
		discipline = domain.DisciplineSingleSwap
	}
	sup := supervisor.New(supervisor.Config{
		Discipline:        discipline,
		BinaryPath:        cfg.BinaryPath,
		LocateBinary:      locateInferenceBinary(logger),
		BasePort:          cfg.BasePort,
		PidDir:            cfg.PidDir(),
		DefaultExtraFlags: []string{"-t", strconv.Itoa(sysres.InferenceThreads(cpuInfo))},
	}, bus, logger)

	px := proxy.New(proxy.Config{}, library, sup, bus, logger)

	pipeline := voice.New(voice.DefaultConfig(), bus)
	// No native capture/playback backend is compiled in yet; the null
	// platform keeps start() honoring the local-source fallback on hosts
	// without a remote audio pair.
	pipeline.UseLocalAudioFallback(voice.NullPlatform{})
	registry := voice.NewRegistry()

	return &App{
		Cfg:      cfg,
		Log:      logger,
		DB:       conn,
		Bus:      bus,
		Library:  library,
		Queue:    queue,
		Settings: st,
		Hub:      hubClient,
		Manager:  manager,
		Sup:      sup,
		Proxy:    px,
		Voice:    pipeline,
		VoiceReg: registry,
		CPU:      cpuInfo,
		Parser:   opts.Parser,
	}, nil
}

// Start runs crash recovery, launches the download worker loop, and
// begins the dead-process sweep.
func (a *App) Start(ctx context.Context) error {
	if err := a.Manager.Start(ctx); err != nil {
		return err
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Sup.CleanupDead()
			}
		}
	}()
	return nil
}

// Close releases the database connection. Running inference servers are
// left alive; pid-files let a future launch find them.
func (a *App) Close() error {
	return a.DB.Close()
}

// APIServer builds the HTTP server over this app's services.
func (a *App) APIServer() *api.Server {
	return api.NewServer(api.Deps{
		Config:   a.Cfg,
		CPU:      a.CPU,
		Library:  a.Library,
		Manager:  a.Manager,
		Sup:      a.Sup,
		Proxy:    a.Proxy,
		Bus:      a.Bus,
		Voice:    a.Voice,
		VoiceReg: a.VoiceReg,
		Settings: a.Settings,
		Parser:   a.Parser,
	})
}

// locateInferenceBinary is the basename-resolver fallback used when no
// bootstrap path is pinned (or the pinned path does not exist). The
// warning fires once, at lookup time.
func locateInferenceBinary(logger *slog.Logger) supervisor.BinaryLocator {
	return func(ctx context.Context) (string, error) {
		path, err := exec.LookPath(inferenceBinaryName)
		if err != nil {
			return "", fmt.Errorf("%s not found on PATH: %w", inferenceBinaryName, err)
		}
		logger.Warn("inference binary resolved from PATH", "binary", path)
		return path, nil
	}
}
