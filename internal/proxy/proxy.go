// Package proxy implements the reverse HTTP gateway (C10) and its Ollama
// response adapter (C11). It accepts the public OpenAI surface and an
// Ollama-compatible surface, resolves the target model against the
// library store, asks the supervisor to make it ready, and streams the
// upstream response back byte-for-byte (spec §4.6).
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/forgeserve/forge/internal/domain"
	"github.com/forgeserve/forge/internal/events"
	"github.com/forgeserve/forge/internal/forgeerr"
	"github.com/forgeserve/forge/internal/upstream"
)

// LibraryLookup is the library-store capability the proxy depends on:
// resolving a model name to its registered record.
type LibraryLookup interface {
	List(ctx context.Context) ([]domain.Model, error)
	Get(ctx context.Context, id int64) (domain.Model, error)
}

// Ensurer is the supervisor capability the proxy depends on: "the proxy
// asks the supervisor to make a target model ready" (spec §4.6).
type Ensurer interface {
	Ensure(ctx context.Context, sc domain.SpawnConfig) (domain.RunningProcess, error)
}

// Config holds the proxy's tunables.
type Config struct {
	// UpstreamReadyWait bounds how long Ensure is given before the proxy
	// gives up and returns 503 (spec §4.6 default 30s).
	UpstreamReadyWait time.Duration
}

// Proxy implements C10/C11.
type Proxy struct {
	cfg      Config
	library  LibraryLookup
	sup      Ensurer
	upstream *upstream.Client
	bus      *events.Bus
	log      *slog.Logger
}

// New builds a Proxy.
func New(cfg Config, library LibraryLookup, sup Ensurer, bus *events.Bus, logger *slog.Logger) *Proxy {
	if cfg.UpstreamReadyWait <= 0 {
		cfg.UpstreamReadyWait = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		cfg:      cfg,
		library:  library,
		sup:      sup,
		upstream: upstream.New(),
		bus:      bus,
		log:      logger.With("component", "proxy"),
	}
}

// RegisterRoutes wires the OpenAI and Ollama surfaces onto mux (spec §4.6,
// §6.1's "plus the OpenAI and Ollama passthrough surfaces").
func (p *Proxy) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/chat/completions", p.handleOpenAI)
	mux.HandleFunc("/v1/completions", p.handleOpenAI)
	mux.HandleFunc("/v1/embeddings", p.handleOpenAI)
	mux.HandleFunc("/v1/models", p.handleOpenAIModels)

	mux.HandleFunc("/api/chat", p.handleOllamaChat)
	mux.HandleFunc("/api/generate", p.handleOllamaGenerate)
	mux.HandleFunc("/api/tags", p.handleOllamaTags)
}

// resolveModel implements "extracts the target model from the request
// body (model field)... resolves it via the library store to a model id".
func (p *Proxy) resolveModel(ctx context.Context, name string) (domain.Model, error) {
	models, err := p.library.List(ctx)
	if err != nil {
		return domain.Model{}, forgeerr.Wrap(forgeerr.KindInternal, "LIBRARY_LIST_FAILED", "list library models", err)
	}
	for _, m := range models {
		if strings.EqualFold(m.Name, name) {
			return m, nil
		}
	}
	return domain.Model{}, forgeerr.NotFound("MODEL_NOT_FOUND", fmt.Sprintf("model %q not found", name))
}

// ensureReady resolves m to a live upstream port, bounding the wait per
// cfg.UpstreamReadyWait (spec §4.6: "503 when the upstream fails to
// become healthy within a bounded wait").
func (p *Proxy) ensureReady(ctx context.Context, m domain.Model) (int, error) {
	sc := domain.SpawnConfig{ModelID: m.ID, ModelName: m.Name, ModelPath: m.FilePath}
	if m.InferenceDefault != nil {
		sc.ContextSize = m.InferenceDefault.ContextSize
		sc.ExtraFlags = m.InferenceDefault.ExtraFlags
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.UpstreamReadyWait)
	defer cancel()

	proc, err := p.sup.Ensure(waitCtx, sc)
	if err != nil {
		if waitCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return 0, forgeerr.Wrap(forgeerr.KindUnavailable, "UPSTREAM_NOT_READY", "model failed to become ready", err)
		}
		if fe, ok := forgeerr.As(err); ok {
			return 0, fe
		}
		return 0, forgeerr.Wrap(forgeerr.KindUnavailable, "UPSTREAM_NOT_READY", "model failed to become ready", err)
	}
	return proc.Port, nil
}

// handleOpenAI forwards the OpenAI-shaped request straight through to the
// resolved upstream, streaming the response byte-for-byte.
func (p *Proxy) handleOpenAI(w http.ResponseWriter, r *http.Request) {
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, forgeerr.Wrap(forgeerr.KindInternal, "READ_BODY_FAILED", "read request body", err))
		return
	}

	var parsed struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(bodyBytes, &parsed); err != nil || parsed.Model == "" {
		writeError(w, forgeerr.Validation("MODEL_FIELD_REQUIRED", `request body must set "model"`))
		return
	}

	m, err := p.resolveModel(r.Context(), parsed.Model)
	if err != nil {
		writeError(w, err)
		return
	}

	port, err := p.ensureReady(r.Context(), m)
	if err != nil {
		writeError(w, err)
		return
	}

	resp, err := p.upstream.Forward(r.Context(), port, r.Method, r.URL.Path, r.Header, bytes.NewReader(bodyBytes))
	if err != nil {
		writeError(w, forgeerr.Wrap(forgeerr.KindInternal, "UPSTREAM_DISCONNECTED", "forward to upstream", err))
		return
	}
	defer resp.Body.Close()

	relay(w, resp)
}

// handleOpenAIModels answers /v1/models from the library store, in OpenAI
// list shape, without touching the supervisor.
func (p *Proxy) handleOpenAIModels(w http.ResponseWriter, r *http.Request) {
	models, err := p.library.List(r.Context())
	if err != nil {
		writeError(w, forgeerr.Wrap(forgeerr.KindInternal, "LIBRARY_LIST_FAILED", "list library models", err))
		return
	}
	data := make([]map[string]any, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]any{
			"id":       m.Name,
			"object":   "model",
			"created":  m.AddedAt.Unix(),
			"owned_by": "forge",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// relay copies resp's status, headers, and body to w, flushing after every
// read so streaming bodies reach the client without being buffered in
// full (spec §4.6: "never buffers full response bodies on streaming paths").
func relay(w http.ResponseWriter, resp *http.Response) {
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	fe, ok := forgeerr.As(err)
	if !ok {
		fe = forgeerr.Internal("INTERNAL", err.Error())
	}
	body := map[string]any{
		"error":  fe.Message,
		"status": fe.HTTPStatus(),
	}
	if fe.Code != "" {
		body["type"] = fe.Code
	}
	if fe.Metadata != nil {
		body["metadata"] = fe.Metadata
	}
	writeJSON(w, fe.HTTPStatus(), body)
}
