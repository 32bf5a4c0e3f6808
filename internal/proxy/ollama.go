package proxy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/forgeserve/forge/internal/forgeerr"
)

// ollamaMessage is one chat turn in Ollama's request/response shape.
type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   *bool           `json:"stream,omitempty"`
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream *bool  `json:"stream,omitempty"`
}

// handleOllamaChat implements the /api/chat half of C11: Ollama request
// shape in, OpenAI request shape to the upstream, translated response out.
func (p *Proxy) handleOllamaChat(w http.ResponseWriter, r *http.Request) {
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, forgeerr.Wrap(forgeerr.KindInternal, "READ_BODY_FAILED", "read request body", err))
		return
	}
	var req ollamaChatRequest
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		writeError(w, forgeerr.Validation("INVALID_BODY", "invalid chat request body"))
		return
	}
	stream := req.Stream == nil || *req.Stream

	m, err := p.resolveModel(r.Context(), req.Model)
	if err != nil {
		writeError(w, err)
		return
	}
	port, err := p.ensureReady(r.Context(), m)
	if err != nil {
		writeError(w, err)
		return
	}

	oaiMessages := make([]map[string]any, len(req.Messages))
	for i, msg := range req.Messages {
		oaiMessages[i] = map[string]any{"role": msg.Role, "content": msg.Content}
	}
	oaiReq := map[string]any{"model": m.Name, "messages": oaiMessages, "stream": stream}
	if stream {
		oaiReq["stream_options"] = map[string]any{"include_usage": true}
	}

	p.forwardAndTranslate(w, r, port, "/v1/chat/completions", oaiReq, m.Name, stream, true)
}

// handleOllamaGenerate implements the /api/generate half of C11.
func (p *Proxy) handleOllamaGenerate(w http.ResponseWriter, r *http.Request) {
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, forgeerr.Wrap(forgeerr.KindInternal, "READ_BODY_FAILED", "read request body", err))
		return
	}
	var req ollamaGenerateRequest
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		writeError(w, forgeerr.Validation("INVALID_BODY", "invalid generate request body"))
		return
	}
	stream := req.Stream == nil || *req.Stream

	m, err := p.resolveModel(r.Context(), req.Model)
	if err != nil {
		writeError(w, err)
		return
	}
	port, err := p.ensureReady(r.Context(), m)
	if err != nil {
		writeError(w, err)
		return
	}

	oaiReq := map[string]any{
		"model":  m.Name,
		"prompt": req.Prompt,
		"stream": stream,
	}
	if stream {
		oaiReq["stream_options"] = map[string]any{"include_usage": true}
	}

	p.forwardAndTranslate(w, r, port, "/v1/completions", oaiReq, m.Name, stream, false)
}

// handleOllamaTags answers /api/tags from the library store in Ollama's
// list shape, without touching the supervisor.
func (p *Proxy) handleOllamaTags(w http.ResponseWriter, r *http.Request) {
	models, err := p.library.List(r.Context())
	if err != nil {
		writeError(w, forgeerr.Wrap(forgeerr.KindInternal, "LIBRARY_LIST_FAILED", "list library models", err))
		return
	}
	out := make([]map[string]any, 0, len(models))
	for _, m := range models {
		out = append(out, map[string]any{
			"name":        m.Name,
			"modified_at": m.AddedAt.UTC().Format(time.RFC3339),
			"size":        0,
			"digest":      m.ModelKey,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": out})
}

func (p *Proxy) forwardAndTranslate(w http.ResponseWriter, r *http.Request, port int, upstreamPath string, oaiReq map[string]any, modelName string, stream, isChat bool) {
	body, _ := json.Marshal(oaiReq)
	header := http.Header{"Content-Type": []string{"application/json"}}

	resp, err := p.upstream.Forward(r.Context(), port, http.MethodPost, upstreamPath, header, bytes.NewReader(body))
	if err != nil {
		writeError(w, forgeerr.Wrap(forgeerr.KindInternal, "UPSTREAM_DISCONNECTED", "forward request to upstream", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		writeError(w, forgeerr.Wrap(forgeerr.KindInternal, "UPSTREAM_ERROR",
			fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, string(b)), fmt.Errorf("upstream status %d", resp.StatusCode)))
		return
	}

	if !stream {
		translateCollected(w, modelName, resp.Body, isChat)
		return
	}
	translateStream(w, modelName, resp.Body, isChat)
}

// openAIChunk is the subset of an OpenAI chat/completion SSE chunk the
// adapter reads (spec §4.7, ported from ollama_stream.rs).
type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Text string `json:"text"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// translateStream consumes the upstream SSE line-by-line and emits one
// newline-terminated Ollama-shaped JSON object per content delta,
// finishing with a done:true chunk carrying synthetic timing (spec §4.7):
// the upstream OpenAI surface has no per-phase timings, so total duration
// is split 25% prompt / 75% eval.
func translateStream(w http.ResponseWriter, model string, body io.Reader, isChat bool) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, canFlush := w.(http.Flusher)
	start := time.Now()

	emit := func(v map[string]any) {
		b, _ := json.Marshal(v)
		w.Write(b)
		w.Write([]byte("\n"))
		if canFlush {
			flusher.Flush()
		}
	}

	var promptTokens, usageEvalCount, contentChunks int
	var usageSeen bool

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk openAIChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usageSeen = true
			promptTokens = chunk.Usage.PromptTokens
			usageEvalCount = chunk.Usage.CompletionTokens
		}

		content := ""
		if len(chunk.Choices) > 0 {
			if isChat {
				content = chunk.Choices[0].Delta.Content
			} else {
				content = chunk.Choices[0].Text
			}
		}
		if content != "" {
			contentChunks++
			emit(deltaPayload(model, content, isChat))
		}
	}

	evalCount := contentChunks
	if usageSeen {
		evalCount = usageEvalCount
	}
	emit(finalPayload(model, start, promptTokens, evalCount, isChat))
}

// translateCollected handles the non-streaming path: decode the full
// upstream response and emit one Ollama-shaped done:true body.
func translateCollected(w http.ResponseWriter, model string, body io.Reader, isChat bool) {
	start := time.Now()
	var oaiResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(body).Decode(&oaiResp); err != nil {
		writeError(w, forgeerr.Wrap(forgeerr.KindInternal, "UPSTREAM_DECODE_FAILED", "decode upstream response", err))
		return
	}

	content := ""
	if len(oaiResp.Choices) > 0 {
		if isChat {
			content = oaiResp.Choices[0].Message.Content
		} else {
			content = oaiResp.Choices[0].Text
		}
	}

	out := finalPayload(model, start, oaiResp.Usage.PromptTokens, oaiResp.Usage.CompletionTokens, isChat)
	if isChat {
		out["message"] = map[string]any{"role": "assistant", "content": content}
	} else {
		out["response"] = content
	}
	writeJSON(w, http.StatusOK, out)
}

func deltaPayload(model, content string, isChat bool) map[string]any {
	payload := map[string]any{
		"model":      model,
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
		"done":       false,
	}
	if isChat {
		payload["message"] = map[string]any{"role": "assistant", "content": content}
	} else {
		payload["response"] = content
	}
	return payload
}

// finalPayload builds the done:true chunk shared by the streaming and
// collected paths, including the synthetic 25/75 prompt/eval timing split.
func finalPayload(model string, start time.Time, promptTokens, evalCount int, isChat bool) map[string]any {
	total := time.Since(start).Nanoseconds()
	out := map[string]any{
		"model":                model,
		"created_at":           time.Now().UTC().Format(time.RFC3339Nano),
		"done":                 true,
		"done_reason":          "stop",
		"total_duration":       total,
		"load_duration":        int64(0),
		"prompt_eval_count":    promptTokens,
		"prompt_eval_duration": total / 4,
		"eval_count":           evalCount,
		"eval_duration":        total * 3 / 4,
	}
	if isChat {
		out["message"] = map[string]any{"role": "assistant", "content": ""}
	} else {
		out["response"] = ""
	}
	return out
}
