package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/forgeserve/forge/internal/domain"
)

// checkProcess reports process liveness, the fast path of the combined
// health check (spec §4.5: "first checks process liveness ... If alive, it
// performs the HTTP health check").
func checkProcess(pid int) bool {
	return processAlive(pid)
}

// checkHTTP performs one GET against url and classifies the failure
// reason, mirroring the original health checker's error categories.
func checkHTTP(ctx context.Context, client *http.Client, url string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Sprintf("health check failed: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return false, "health check timeout"
		case isTimeout(err):
			return false, "health check timeout"
		case strings.Contains(err.Error(), "connection refused"):
			return false, "connection refused"
		default:
			return false, fmt.Sprintf("health check failed: %v", err)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Sprintf("health check failed: unexpected status %d", resp.StatusCode)
	}
	return true, ""
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

// checkCombined implements check_combined: process liveness first, HTTP
// health only if the process is alive.
func checkCombined(ctx context.Context, client *http.Client, pid int, url string) domain.HealthStatus {
	if !checkProcess(pid) {
		return domain.ProcessDied()
	}
	ok, reason := checkHTTP(ctx, client, url)
	if ok {
		return domain.Healthy()
	}
	return domain.Unreachable(reason)
}

// runHealthMonitor ticks every cfg.HealthInterval (missed ticks are
// dropped by time.Ticker itself) until ctx is cancelled, publishing a
// server:health_changed event only when the computed status differs from
// the previous one.
func (s *Supervisor) runHealthMonitor(ctx context.Context, modelID int64, pid, port int) {
	client := &http.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf(s.cfg.HealthURLFormat, port)

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	last := domain.Healthy()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := checkCombined(ctx, client, pid, url)
			if !status.Equal(last) {
				last = status
				s.bus.Publish(domain.Event{
					Type:    domain.EventServerHealthChanged,
					Payload: domain.ServerHealthPayload{ModelID: modelID, Status: status},
				})
			}
		}
	}
}
