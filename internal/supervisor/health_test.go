package supervisor

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/forgeserve/forge/internal/domain"
)

func TestCheckProcessReflectsLiveness(t *testing.T) {
	if !checkProcess(os.Getpid()) {
		t.Fatal("expected the current process to be reported alive")
	}
	// A pid essentially guaranteed not to exist.
	if checkProcess(1 << 30) {
		t.Fatal("expected an implausible pid to be reported dead")
	}
}

func TestCheckHTTPOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ok, reason := checkHTTP(context.Background(), srv.Client(), srv.URL+"/health")
	if !ok || reason != "" {
		t.Fatalf("expected ok with no reason, got ok=%v reason=%q", ok, reason)
	}
}

func TestCheckHTTPNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ok, reason := checkHTTP(context.Background(), srv.Client(), srv.URL+"/health")
	if ok {
		t.Fatal("expected not ok for a 503 response")
	}
	if reason == "" {
		t.Fatal("expected a non-empty reason")
	}
}

func TestCheckHTTPConnectionRefused(t *testing.T) {
	// Nothing listens here: a closed listener's former port.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	ok, reason := checkHTTP(context.Background(), &http.Client{Timeout: time.Second}, "http://"+addr+"/health")
	if ok {
		t.Fatal("expected not ok against a closed port")
	}
	if reason != "connection refused" {
		t.Fatalf("expected connection refused reason, got %q", reason)
	}
}

func TestCheckHTTPTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := &http.Client{Timeout: 10 * time.Millisecond}
	ok, reason := checkHTTP(context.Background(), client, srv.URL+"/health")
	if ok {
		t.Fatal("expected not ok on timeout")
	}
	if reason != "health check timeout" {
		t.Fatalf("expected health check timeout reason, got %q", reason)
	}
}

func TestCheckCombinedProcessDiedTakesPriority(t *testing.T) {
	status := checkCombined(context.Background(), &http.Client{Timeout: time.Second}, 1<<30, "http://127.0.0.1:1/health")
	if status.Kind != domain.HealthProcessDied {
		t.Fatalf("expected process_died, got %s", status.Kind)
	}
}

func TestCheckCombinedHealthyWhenBothPass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	status := checkCombined(context.Background(), srv.Client(), os.Getpid(), srv.URL+"/health")
	if status.Kind != domain.HealthHealthy {
		t.Fatalf("expected healthy, got %s", status.Kind)
	}
}

func TestHealthStatusEqual(t *testing.T) {
	if !domain.Healthy().Equal(domain.Healthy()) {
		t.Fatal("expected two Healthy statuses to be equal")
	}
	if domain.Unreachable("a").Equal(domain.Unreachable("b")) {
		t.Fatal("expected different reasons to be unequal")
	}
	if domain.Healthy().Equal(domain.ProcessDied()) {
		t.Fatal("expected different kinds to be unequal")
	}
}
