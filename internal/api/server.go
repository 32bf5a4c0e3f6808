// Package api provides the HTTP surface of forge: one handler tree served
// by two listeners. The public listener binds a configurable interface
// with CORS; the embedded listener binds a kernel-assigned loopback port
// and guards /api/* with a per-launch bearer token.
//
// Routes:
//
//	GET  /health                         -> liveness check ("OK", never authed)
//	GET  /api/models                     -> list library models
//	POST /api/models                     -> import a local GGUF file
//	GET  /api/models/{id}                -> model detail
//	PUT  /api/models/{id}                -> update name/tags/defaults
//	DELETE /api/models/{id}              -> remove model (cascades to files)
//	POST /api/models/{id}/verify         -> re-hash shard files on disk
//	GET  /api/downloads                  -> queue snapshot
//	POST /api/downloads/queue            -> queue a hub download
//	DELETE /api/downloads/{id}           -> remove a queued item
//	POST /api/downloads/{id}/cancel      -> cancel (idempotent)
//	POST /api/downloads/{id}/retry       -> retry a failed item
//	POST /api/downloads/reorder          -> move an item to a new position
//	POST /api/downloads/clear-failed     -> drop the failures list
//	GET  /api/servers                    -> running inference servers
//	POST /api/servers/start              -> start a model server
//	POST /api/servers/stop               -> stop a model server
//	GET  /api/servers/{port}/logs        -> ring-buffer log snapshot
//	GET  /api/servers/{port}/logs/stream -> live log tail (SSE)
//	GET  /api/events                     -> lifecycle event stream (SSE)
//	GET  /api/settings                   -> persisted settings
//	PUT  /api/settings                   -> update one setting
//	GET  /api/system                     -> CPU topology, RAM, quant advice
//	GET  /api/voice                      -> voice pipeline status
//	POST /api/voice/start|stop           -> voice session lifecycle
//	POST /api/voice/ptt-start|ptt-stop   -> push-to-talk edges
//	POST /api/voice/respond              -> speak a response
//	GET  /api/voice/audio                -> binary audio WebSocket
//
// plus the OpenAI (/v1/*) and Ollama (/api/chat, /api/generate, /api/tags)
// passthrough surfaces registered by the proxy.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgeserve/forge/internal/config"
	"github.com/forgeserve/forge/internal/db/librarystore"
	"github.com/forgeserve/forge/internal/domain"
	"github.com/forgeserve/forge/internal/download"
	"github.com/forgeserve/forge/internal/events"
	"github.com/forgeserve/forge/internal/forgeerr"
	"github.com/forgeserve/forge/internal/gguf"
	"github.com/forgeserve/forge/internal/proxy"
	"github.com/forgeserve/forge/internal/settings"
	"github.com/forgeserve/forge/internal/supervisor"
	"github.com/forgeserve/forge/internal/sysres"
	"github.com/forgeserve/forge/internal/voice"
)

// maxRequestBodyBytes caps incoming JSON request bodies at 10 MB.
const maxRequestBodyBytes = 10 * 1024 * 1024

// Server is the forge HTTP server: one route tree shared by the public
// and embedded listeners.
type Server struct {
	cfg      *config.Config
	cpu      sysres.CPUInfo
	library  *librarystore.Store
	manager  *download.Manager
	sup      *supervisor.Supervisor
	proxy    *proxy.Proxy
	bus      *events.Bus
	voice    *voice.Pipeline
	voiceReg *voice.Registry
	settings *settings.Store
	parser   gguf.Parser // nil when no parser is wired

	mux     *http.ServeMux
	started time.Time

	// authToken guards /api/* on the embedded listener. Empty = no auth
	// (public listener).
	authToken string
}

// Deps collects everything the server needs from the composition root.
type Deps struct {
	Config   *config.Config
	CPU      sysres.CPUInfo
	Library  *librarystore.Store
	Manager  *download.Manager
	Sup      *supervisor.Supervisor
	Proxy    *proxy.Proxy
	Bus      *events.Bus
	Voice    *voice.Pipeline
	VoiceReg *voice.Registry
	Settings *settings.Store
	Parser   gguf.Parser
}

// NewServer creates a Server with all routes registered.
func NewServer(d Deps) *Server {
	s := &Server{
		cfg:      d.Config,
		cpu:      d.CPU,
		library:  d.Library,
		manager:  d.Manager,
		sup:      d.Sup,
		proxy:    d.Proxy,
		bus:      d.Bus,
		voice:    d.Voice,
		voiceReg: d.VoiceReg,
		settings: d.Settings,
		parser:   d.Parser,
		mux:      http.NewServeMux(),
		started:  time.Now(),
	}
	s.registerRoutes()
	return s
}

// Run starts the public listener on addr (e.g. "0.0.0.0:9887").
func (s *Server) Run(addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.handler(),
		// ReadHeaderTimeout prevents slow-loris.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// ReadTimeout / WriteTimeout intentionally omitted — streaming
		// SSE responses can legitimately run for minutes.
	}
	return srv.ListenAndServe()
}

// RunEmbedded starts the embedded desktop listener on 127.0.0.1:0 with a
// per-launch bearer token, reports the bound address and token through
// onReady, and serves until ctx is cancelled.
func (s *Server) RunEmbedded(ctx context.Context, onReady func(addr, token string)) error {
	s.authToken = uuid.NewString()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("bind embedded listener: %w", err)
	}
	if onReady != nil {
		onReady(ln.Addr().String(), s.authToken)
	}

	srv := &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// handler wraps the route tree in the CORS and bearer-auth middleware.
func (s *Server) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.applyCORS(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// /health stays unauthenticated on both listeners.
		if s.authToken != "" && strings.HasPrefix(r.URL.Path, "/api/") {
			if !s.checkBearer(r) {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, forgeerr.New(forgeerr.KindValidation, "UNAUTHORIZED", "missing or invalid bearer token"))
				// 401, not the taxonomy's 400: auth has its own code.
				return
			}
		}
		s.mux.ServeHTTP(w, r)
	})
}

func (s *Server) checkBearer(r *http.Request) bool {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	return strings.HasPrefix(h, prefix) && strings.TrimPrefix(h, prefix) == s.authToken
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	if len(s.cfg.CORSOrigins) == 0 {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		for _, allowed := range s.cfg.CORSOrigins {
			if allowed == origin {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				break
			}
		}
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)

	s.mux.HandleFunc("/api/models", s.handleModels)
	s.mux.HandleFunc("/api/models/", s.handleModelByID)

	s.mux.HandleFunc("/api/downloads", s.handleDownloads)
	s.mux.HandleFunc("/api/downloads/queue", s.handleDownloadQueue)
	s.mux.HandleFunc("/api/downloads/reorder", s.handleDownloadReorder)
	s.mux.HandleFunc("/api/downloads/clear-failed", s.handleDownloadClearFailed)
	s.mux.HandleFunc("/api/downloads/", s.handleDownloadByID)

	s.mux.HandleFunc("/api/servers", s.handleServers)
	s.mux.HandleFunc("/api/servers/start", s.handleServerStart)
	s.mux.HandleFunc("/api/servers/stop", s.handleServerStop)
	s.mux.HandleFunc("/api/servers/", s.handleServerLogs)

	s.mux.HandleFunc("/api/events", s.handleEvents)
	s.mux.HandleFunc("/api/settings", s.handleSettings)
	s.mux.HandleFunc("/api/system", s.handleSystem)

	s.mux.HandleFunc("/api/voice", s.handleVoiceStatus)
	s.mux.HandleFunc("/api/voice/start", s.handleVoiceStart)
	s.mux.HandleFunc("/api/voice/stop", s.handleVoiceStop)
	s.mux.HandleFunc("/api/voice/ptt-start", s.handleVoicePTTStart)
	s.mux.HandleFunc("/api/voice/ptt-stop", s.handleVoicePTTStop)
	s.mux.HandleFunc("/api/voice/respond", s.handleVoiceRespond)
	if s.voice != nil && s.voiceReg != nil {
		s.mux.HandleFunc("/api/voice/audio", voice.ServeAudioWS(s.voice, s.voiceReg))
	}

	if s.proxy != nil {
		s.proxy.RegisterRoutes(s.mux)
	}
}

// -------------------------------------------------------------------------
// Health
// -------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "OK")
}

// -------------------------------------------------------------------------
// Models
// -------------------------------------------------------------------------

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		models, err := s.library.List(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"models": models})
	case http.MethodPost:
		s.handleModelImport(w, r)
	default:
		methodNotAllowed(w)
	}
}

// handleModelImport registers a local GGUF file into the library.
func (s *Server) handleModelImport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeError(w, forgeerr.Validation("PATH_REQUIRED", `request body must set "path"`))
		return
	}
	st, err := os.Stat(req.Path)
	if err != nil {
		writeError(w, forgeerr.NotFound("FILE_NOT_FOUND", fmt.Sprintf("file %s not found", req.Path)))
		return
	}

	name := req.Name
	if name == "" {
		name = strings.TrimSuffix(st.Name(), ".gguf")
	}

	model := domain.Model{
		Name:     name,
		ModelKey: librarystore.DeriveLocalModelKey(hashPath(req.Path)),
		FilePath: req.Path,
		AddedAt:  domain.Now(),
	}
	files := []domain.ModelFile{{FilePath: req.Path, ShardIndex: 0, ExpectedSize: st.Size()}}

	if s.parser != nil {
		if meta, err := s.parser.Parse(req.Path); err == nil {
			model.Architecture = meta.Architecture
			model.Quantization = meta.Quantization
			model.ParamCountB = meta.ParamCountB
			model.ContextLength = meta.ContextLength
			model.Metadata = meta.Metadata
			model.Capabilities = gguf.DetectCapabilities(meta)
		}
	}

	saved, err := s.library.Upsert(r.Context(), model, files)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

// handleModelByID dispatches /api/models/{id} and /api/models/{id}/verify.
func (s *Server) handleModelByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/models/")
	if verifyID, ok := strings.CutSuffix(rest, "/verify"); ok {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleModelVerify(w, r, verifyID)
		return
	}

	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		writeError(w, forgeerr.Validation("BAD_MODEL_ID", "model id must be an integer"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		m, err := s.library.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	case http.MethodPut:
		s.handleModelUpdate(w, r, id)
	case http.MethodDelete:
		if err := s.library.Delete(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleModelUpdate(w http.ResponseWriter, r *http.Request, id int64) {
	var req struct {
		Name        *string   `json:"name"`
		Tags        *[]string `json:"tags"`
		ContextSize *int      `json:"context_size"`
		ExtraFlags  *[]string `json:"extra_flags"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	m, err := s.library.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Name != nil {
		m.Name = *req.Name
	}
	if req.Tags != nil {
		m.Tags = *req.Tags
	}
	if req.ContextSize != nil || req.ExtraFlags != nil {
		if m.InferenceDefault == nil {
			m.InferenceDefault = &domain.InferenceDefaults{}
		}
		if req.ContextSize != nil {
			m.InferenceDefault.ContextSize = *req.ContextSize
		}
		if req.ExtraFlags != nil {
			m.InferenceDefault.ExtraFlags = *req.ExtraFlags
		}
	}

	files, err := s.library.ListFiles(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	saved, err := s.library.Upsert(r.Context(), m, files)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// handleModelVerify re-hashes every shard file on disk and records the
// verification time. Hashing is CPU/IO bound and runs inline in this
// handler goroutine, which is the blocking-safe place for it.
func (s *Server) handleModelVerify(w http.ResponseWriter, r *http.Request, rawID string) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		writeError(w, forgeerr.Validation("BAD_MODEL_ID", "model id must be an integer"))
		return
	}
	files, err := s.library.ListFiles(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(files) == 0 {
		writeError(w, forgeerr.NotFound("MODEL_NOT_FOUND", fmt.Sprintf("model %d has no files", id)))
		return
	}

	type fileResult struct {
		Path string `json:"path"`
		OK   bool   `json:"ok"`
		Err  string `json:"error,omitempty"`
	}
	results := make([]fileResult, 0, len(files))
	allOK := true
	for _, f := range files {
		res := fileResult{Path: f.FilePath, OK: true}
		hash, size, err := hashFile(f.FilePath)
		switch {
		case err != nil:
			res.OK, res.Err = false, err.Error()
		case f.ExpectedSize > 0 && size != f.ExpectedSize:
			res.OK, res.Err = false, fmt.Sprintf("size mismatch: %d on disk, %d expected", size, f.ExpectedSize)
		default:
			_ = s.library.VerifyFile(r.Context(), f.ID, hash, domain.Now())
		}
		if !res.OK {
			allOK = false
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusOK, map[string]any{"verified": allOK, "files": results})
}

// -------------------------------------------------------------------------
// Downloads
// -------------------------------------------------------------------------

func (s *Server) handleDownloads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	snap, err := s.manager.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDownloadQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Repo         string `json:"repo"`
		Quantization string `json:"quantization"`
		Revision     string `json:"revision"`
		Force        bool   `json:"force"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Repo == "" {
		writeError(w, forgeerr.Validation("REPO_REQUIRED", `request body must set "repo"`))
		return
	}

	pos, shards, err := s.manager.QueueSmart(r.Context(), req.Repo, req.Quantization)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"position": pos, "shard_count": shards})
}

// handleDownloadByID dispatches DELETE /api/downloads/{id} and
// POST /api/downloads/{id}/cancel|retry. Download ids contain slashes
// (repo paths), so the id is everything up to the trailing verb.
func (s *Server) handleDownloadByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/downloads/")

	if id, ok := strings.CutSuffix(rest, "/cancel"); ok && r.Method == http.MethodPost {
		if err := s.manager.Cancel(r.Context(), domain.DownloadID(id)); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cancelled": id})
		return
	}
	if id, ok := strings.CutSuffix(rest, "/retry"); ok && r.Method == http.MethodPost {
		if err := s.manager.Retry(r.Context(), domain.DownloadID(id)); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"retried": id})
		return
	}
	if r.Method == http.MethodDelete {
		if err := s.manager.RemoveFromQueue(r.Context(), domain.DownloadID(rest)); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"removed": rest})
		return
	}
	methodNotAllowed(w)
}

func (s *Server) handleDownloadReorder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		ID       string `json:"id"`
		Position int    `json:"position"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	pos, err := s.manager.Reorder(r.Context(), domain.DownloadID(req.ID), req.Position)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"position": pos})
}

func (s *Server) handleDownloadClearFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.manager.ClearFailed()
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

// -------------------------------------------------------------------------
// Servers
// -------------------------------------------------------------------------

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": s.sup.ListRunning()})
}

func (s *Server) handleServerStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		ModelID     int64 `json:"model_id"`
		ContextSize int   `json:"context_size"`
		Port        int   `json:"port"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	m, err := s.library.Get(r.Context(), req.ModelID)
	if err != nil {
		writeError(w, err)
		return
	}

	sc := domain.SpawnConfig{
		ModelID:       m.ID,
		ModelName:     m.Name,
		ModelPath:     m.FilePath,
		ContextSize:   req.ContextSize,
		RequestedPort: req.Port,
	}
	if sc.ContextSize == 0 && m.InferenceDefault != nil {
		sc.ContextSize = m.InferenceDefault.ContextSize
	}
	if m.InferenceDefault != nil {
		sc.ExtraFlags = m.InferenceDefault.ExtraFlags
	}

	proc, err := s.sup.Start(r.Context(), sc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proc)
}

func (s *Server) handleServerStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		ModelID int64 `json:"model_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.sup.Stop(r.Context(), req.ModelID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": req.ModelID})
}

// handleServerLogs dispatches /api/servers/{port}/logs[/stream].
func (s *Server) handleServerLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/servers/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || parts[1] != "logs" {
		http.NotFound(w, r)
		return
	}
	port, err := strconv.Atoi(parts[0])
	if err != nil {
		writeError(w, forgeerr.Validation("BAD_PORT", "port must be an integer"))
		return
	}

	if len(parts) == 3 && parts[2] == "stream" {
		s.streamServerLogs(w, r, port)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": s.sup.Logs().Snapshot(port)})
}

func (s *Server) streamServerLogs(w http.ResponseWriter, r *http.Request, port int) {
	flusher, ok := sseHeaders(w)
	if !ok {
		return
	}
	lines, unsubscribe := s.sup.Logs().Subscribe(port)
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			payload, _ := json.Marshal(line)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// -------------------------------------------------------------------------
// Events (SSE)
// -------------------------------------------------------------------------

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	flusher, ok := sseHeaders(w)
	if !ok {
		return
	}

	ch, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	// Heartbeat comments keep intermediaries from closing an idle stream.
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := marshalEvent(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// marshalEvent wraps an Event in one JSON object: the "type" tag
// discriminator plus the payload nested under "data".
func marshalEvent(ev domain.Event) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type": ev.Type,
		"data": ev.Payload,
	})
}

// -------------------------------------------------------------------------
// Settings & system
// -------------------------------------------------------------------------

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"settings":       s.settings.All(),
			"max_queue_size": s.manager.GetMaxQueueSize(),
		})
	case http.MethodPut:
		var req struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Key == "" {
			writeError(w, forgeerr.Validation("KEY_REQUIRED", `request body must set "key"`))
			return
		}
		if err := s.settings.Set(r.Context(), req.Key, req.Value); err != nil {
			writeError(w, err)
			return
		}
		if req.Key == settings.KeyMaxQueueSize {
			s.manager.SetMaxQueueSize(s.settings.GetInt(settings.KeyMaxQueueSize, 0))
		}
		writeJSON(w, http.StatusOK, map[string]any{req.Key: req.Value})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	ramGB := sysres.AvailableRAMGB()
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds":    int(time.Since(s.started).Seconds()),
		"ram_gb":            ramGB,
		"recommended_quant": sysres.RecommendLabel(ramGB),
		"quant_tiers":       sysres.AllTiers(),
		"cpu": map[string]any{
			"model":             s.cpu.Model,
			"logical_cores":     s.cpu.Logical,
			"physical_cores":    s.cpu.Physical,
			"performance_cores": s.cpu.Performance,
			"efficiency_cores":  s.cpu.Efficiency,
			"simd":              s.cpu.SIMDSummary(),
			"inference_threads": sysres.InferenceThreads(s.cpu),
		},
	})
}

// -------------------------------------------------------------------------
// Voice
// -------------------------------------------------------------------------

func (s *Server) voiceReady(w http.ResponseWriter) bool {
	if s.voice == nil {
		writeError(w, forgeerr.Unavailable("VOICE_NOT_CONFIGURED", "voice pipeline is not configured"))
		return false
	}
	return true
}

func (s *Server) handleVoiceStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !s.voiceReady(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":      s.voice.State(),
		"active":     s.voice.IsActive(),
		"mode":       s.voice.Mode(),
		"stt_loaded": s.voice.IsSTTLoaded(),
		"tts_loaded": s.voice.IsTTSLoaded(),
	})
}

func (s *Server) handleVoiceStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.voiceReady(w) {
		return
	}
	var req struct {
		Mode string `json:"mode"`
	}
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	if req.Mode != "" {
		s.voice.SetMode(domain.VoiceInteractionMode(req.Mode))
	}
	if err := s.voice.Start(r.Context()); err != nil {
		writeError(w, voiceErr(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": s.voice.State()})
}

func (s *Server) handleVoiceStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.voiceReady(w) {
		return
	}
	s.voice.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"state": s.voice.State()})
}

func (s *Server) handleVoicePTTStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.voiceReady(w) {
		return
	}
	if err := s.voice.PTTStart(); err != nil {
		writeError(w, voiceErr(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": s.voice.State()})
}

func (s *Server) handleVoicePTTStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.voiceReady(w) {
		return
	}
	transcript, err := s.voice.PTTStop(r.Context())
	if err != nil {
		writeError(w, voiceErr(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transcript": transcript, "state": s.voice.State()})
}

func (s *Server) handleVoiceRespond(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.voiceReady(w) {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.voice.Respond(r.Context(), req.Text); err != nil {
		writeError(w, voiceErr(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": s.voice.State()})
}

// voiceErr maps the pipeline's guard sentinels onto the error taxonomy so
// they reach clients as 409/503 instead of a generic 500.
func voiceErr(err error) error {
	switch {
	case errors.Is(err, voice.ErrAlreadyActive):
		return forgeerr.Conflict("VOICE_ALREADY_ACTIVE", err.Error())
	case errors.Is(err, voice.ErrNotActive):
		return forgeerr.Conflict("VOICE_NOT_ACTIVE", err.Error())
	case errors.Is(err, voice.ErrNotInitialised):
		return forgeerr.Conflict("VOICE_NOT_INITIALISED", err.Error())
	case errors.Is(err, voice.ErrAudioNotReady):
		return forgeerr.Unavailable("VOICE_AUDIO_NOT_READY", err.Error())
	default:
		return err
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func sseHeaders(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return flusher, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, forgeerr.Validation("BAD_REQUEST_BODY", "request body is not valid JSON"))
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
		"error":  "method not allowed",
		"status": http.StatusMethodNotAllowed,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a forgeerr onto the §6.1 error body shape. The special
// UNAUTHORIZED code gets 401 rather than its kind's default.
func writeError(w http.ResponseWriter, err error) {
	fe, ok := forgeerr.As(err)
	if !ok {
		fe = forgeerr.Internal("INTERNAL", err.Error())
	}
	status := fe.HTTPStatus()
	if fe.Code == "UNAUTHORIZED" {
		status = http.StatusUnauthorized
	}
	body := map[string]any{
		"error":  fe.Message,
		"status": status,
	}
	if fe.Code != "" {
		body["type"] = fe.Code
	}
	if fe.Metadata != nil {
		body["metadata"] = fe.Metadata
	}
	writeJSON(w, status, body)
}

func hashPath(p string) string {
	sum := sha256.Sum256([]byte(p))
	return fmt.Sprintf("%x", sum[:8])
}

// hashFile computes the sha256 of the file at path, returning the hex
// digest and the byte count read.
func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), n, nil
}
