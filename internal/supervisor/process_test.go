package supervisor

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/forgeserve/forge/internal/domain"
	"github.com/forgeserve/forge/internal/events"
)

// TestMain re-executes this test binary as a fake inference server when
// FORGE_TEST_HELPER is set, mirroring the exec_test.go idiom the standard
// library itself uses to exercise os/exec without a real external binary.
func TestMain(m *testing.M) {
	if os.Getenv("FORGE_TEST_HELPER") == "1" {
		runHelperProcess()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runHelperProcess() {
	port := ""
	for i, a := range os.Args {
		if a == "--port" && i+1 < len(os.Args) {
			port = os.Args[i+1]
		}
	}

	switch os.Getenv("FORGE_TEST_HELPER_MODE") {
	case "healthy":
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		srv := &http.Server{Addr: "127.0.0.1:" + port, Handler: mux}
		_ = srv.ListenAndServe()
	case "never_healthy":
		select {}
	case "exits_immediately":
		return
	}
}

func newTestSupervisor(t *testing.T, discipline domain.Discipline) (*Supervisor, *events.Bus) {
	t.Helper()
	bus := events.New(32)
	cfg := Config{
		Discipline:     discipline,
		BinaryPath:     os.Args[0],
		BasePort:       19000 + (int(time.Now().UnixNano()) % 5000),
		PidDir:         t.TempDir(),
		StartupTimeout: 2 * time.Second,
		GraceTimeout:   500 * time.Millisecond,
		HealthInterval: 50 * time.Millisecond,
	}
	return New(cfg, bus, nil), bus
}

func withHelperEnv(t *testing.T, mode string) {
	t.Helper()
	t.Setenv("FORGE_TEST_HELPER", "1")
	t.Setenv("FORGE_TEST_HELPER_MODE", mode)
}

func TestStartWaitsForHealthyAndRegisters(t *testing.T) {
	withHelperEnv(t, "healthy")
	sup, _ := newTestSupervisor(t, domain.DisciplineConcurrent)

	proc, err := sup.Start(context.Background(), domain.SpawnConfig{ModelID: 1, ModelName: "m1", ModelPath: "/models/m1.gguf"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if proc.Port == 0 {
		t.Fatal("expected a nonzero allocated port")
	}
	if !sup.IsRunning(1) {
		t.Fatal("expected model to be registered as running")
	}

	_ = sup.Stop(context.Background(), 1)
}

func TestStartRejectsDuplicateModelID(t *testing.T) {
	withHelperEnv(t, "healthy")
	sup, _ := newTestSupervisor(t, domain.DisciplineConcurrent)

	sc := domain.SpawnConfig{ModelID: 1, ModelName: "m1", ModelPath: "/models/m1.gguf"}
	if _, err := sup.Start(context.Background(), sc); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer sup.Stop(context.Background(), 1)

	if _, err := sup.Start(context.Background(), sc); err == nil {
		t.Fatal("expected second Start for the same model id to fail")
	}
}

func TestStartTimesOutWhenNeverHealthy(t *testing.T) {
	withHelperEnv(t, "never_healthy")
	sup, _ := newTestSupervisor(t, domain.DisciplineConcurrent)
	sup.cfg.StartupTimeout = 300 * time.Millisecond

	_, err := sup.Start(context.Background(), domain.SpawnConfig{ModelID: 2, ModelName: "m2", ModelPath: "/models/m2.gguf"})
	if err == nil {
		t.Fatal("expected a startup timeout error")
	}
	if sup.IsRunning(2) {
		t.Fatal("a timed-out start must not leave the model registered")
	}
}

func TestStopUnknownModelReturnsError(t *testing.T) {
	sup, _ := newTestSupervisor(t, domain.DisciplineConcurrent)
	if err := sup.Stop(context.Background(), 999); err == nil {
		t.Fatal("expected an error stopping a model that isn't running")
	}
}

func TestEnsureConcurrentLeavesOtherModelsRunning(t *testing.T) {
	withHelperEnv(t, "healthy")
	sup, _ := newTestSupervisor(t, domain.DisciplineConcurrent)
	ctx := context.Background()

	a, err := sup.Ensure(ctx, domain.SpawnConfig{ModelID: 1, ModelName: "a", ModelPath: "/models/a.gguf"})
	if err != nil {
		t.Fatalf("Ensure a: %v", err)
	}
	b, err := sup.Ensure(ctx, domain.SpawnConfig{ModelID: 2, ModelName: "b", ModelPath: "/models/b.gguf"})
	if err != nil {
		t.Fatalf("Ensure b: %v", err)
	}
	defer sup.Stop(ctx, 1)
	defer sup.Stop(ctx, 2)

	if !sup.IsRunning(1) || !sup.IsRunning(2) {
		t.Fatal("expected both models to remain running under the concurrent discipline")
	}
	if a.Port == b.Port {
		t.Fatal("expected distinct ports for distinct models")
	}
}

func TestEnsureConcurrentIsIdempotent(t *testing.T) {
	withHelperEnv(t, "healthy")
	sup, _ := newTestSupervisor(t, domain.DisciplineConcurrent)
	ctx := context.Background()
	sc := domain.SpawnConfig{ModelID: 1, ModelName: "a", ModelPath: "/models/a.gguf"}

	first, err := sup.Ensure(ctx, sc)
	if err != nil {
		t.Fatalf("first Ensure: %v", err)
	}
	defer sup.Stop(ctx, 1)

	second, err := sup.Ensure(ctx, sc)
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if first.PID != second.PID || first.Port != second.Port {
		t.Fatal("expected the second Ensure to return the same running handle")
	}
}

func TestEnsureSingleSwapStopsPreviousModel(t *testing.T) {
	withHelperEnv(t, "healthy")
	sup, _ := newTestSupervisor(t, domain.DisciplineSingleSwap)
	ctx := context.Background()

	if _, err := sup.Ensure(ctx, domain.SpawnConfig{ModelID: 1, ModelName: "a", ModelPath: "/models/a.gguf"}); err != nil {
		t.Fatalf("Ensure a: %v", err)
	}
	if !sup.IsRunning(1) {
		t.Fatal("expected model 1 running after first Ensure")
	}

	if _, err := sup.Ensure(ctx, domain.SpawnConfig{ModelID: 2, ModelName: "b", ModelPath: "/models/b.gguf"}); err != nil {
		t.Fatalf("Ensure b: %v", err)
	}
	defer sup.Stop(ctx, 2)

	if sup.IsRunning(1) {
		t.Fatal("expected model 1 to be stopped once model 2 took the single slot")
	}
	if !sup.IsRunning(2) {
		t.Fatal("expected model 2 running after swap")
	}
}

func TestCleanupDeadRemovesExitedHandle(t *testing.T) {
	withHelperEnv(t, "exits_immediately")
	sup, bus := newTestSupervisor(t, domain.DisciplineConcurrent)
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	sc := domain.SpawnConfig{ModelID: 3, ModelName: "c", ModelPath: "/models/c.gguf"}

	// The helper process exits immediately, so waitHealthy will time out;
	// force-register a handle directly to exercise CleanupDead in isolation
	// from Start's own timeout/cleanup path.
	bin, err := sup.resolveBinary(context.Background())
	if err != nil {
		t.Fatalf("resolveBinary: %v", err)
	}
	port, err := sup.ports.Allocate(0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	h, err := sup.spawn(bin, port, sc)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	sup.mu.Lock()
	sup.running[sc.ModelID] = h
	sup.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for sup.IsRunning(sc.ModelID) && time.Now().Before(deadline) {
		sup.CleanupDead()
		time.Sleep(10 * time.Millisecond)
	}

	if sup.IsRunning(sc.ModelID) {
		t.Fatal("expected CleanupDead to deregister the exited handle")
	}

	var sawDied bool
	for {
		select {
		case ev := <-ch:
			if ev.Type == domain.EventServerDied {
				sawDied = true
			}
		default:
			if sawDied {
				return
			}
			t.Fatal("expected a server:died event")
		}
	}
}

func TestResolveBinaryFailsWithoutPathOrLocator(t *testing.T) {
	sup, _ := newTestSupervisor(t, domain.DisciplineConcurrent)
	sup.cfg.BinaryPath = ""
	sup.cfg.LocateBinary = nil

	if _, err := sup.resolveBinary(context.Background()); err == nil {
		t.Fatal("expected an error when no binary path or locator is configured")
	}
}
