package proxy

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
)

// decodeNDJSON splits the recorder body into one decoded object per line.
func decodeNDJSON(t *testing.T, body string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		if line == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			t.Fatalf("line %q is not valid JSON: %v", line, err)
		}
		out = append(out, obj)
	}
	return out
}

func TestTranslateStreamChat(t *testing.T) {
	// Upstream SSE frames carrying "Hel", "lo", then the terminator.
	sse := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		``,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	rec := httptest.NewRecorder()
	translateStream(rec, "test-model", strings.NewReader(sse), true)

	lines := decodeNDJSON(t, rec.Body.String())
	if len(lines) != 3 {
		t.Fatalf("expected 3 NDJSON lines, got %d: %s", len(lines), rec.Body.String())
	}

	for i, want := range []string{"Hel", "lo"} {
		if lines[i]["done"] != false {
			t.Errorf("line %d: done = %v, want false", i, lines[i]["done"])
		}
		msg := lines[i]["message"].(map[string]any)
		if msg["content"] != want {
			t.Errorf("line %d: content = %v, want %q", i, msg["content"], want)
		}
		if msg["role"] != "assistant" {
			t.Errorf("line %d: role = %v", i, msg["role"])
		}
	}

	final := lines[2]
	if final["done"] != true {
		t.Fatal("final chunk must have done:true")
	}
	if final["done_reason"] != "stop" {
		t.Errorf("done_reason = %v, want stop", final["done_reason"])
	}
	if final["eval_count"].(float64) != 2 {
		t.Errorf("eval_count = %v, want 2 (count of non-empty content chunks)", final["eval_count"])
	}
	if final["prompt_eval_count"].(float64) != 0 {
		t.Errorf("prompt_eval_count = %v, want 0 without a usage event", final["prompt_eval_count"])
	}
	if final["load_duration"].(float64) != 0 {
		t.Errorf("load_duration = %v, want 0", final["load_duration"])
	}
	if final["total_duration"].(float64) <= 0 {
		t.Errorf("total_duration = %v, want > 0", final["total_duration"])
	}
}

func TestTranslateStreamExactlyOneDoneChunkIsLast(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"a"}}]}`,
		`data: {"choices":[{"delta":{"content":"b"}}]}`,
		`data: {"choices":[{"delta":{"content":"c"}}]}`,
		`data: [DONE]`,
	}, "\n")

	rec := httptest.NewRecorder()
	translateStream(rec, "m", strings.NewReader(sse), true)

	lines := decodeNDJSON(t, rec.Body.String())
	doneCount := 0
	for i, l := range lines {
		if l["done"] == true {
			doneCount++
			if i != len(lines)-1 {
				t.Errorf("done:true at index %d, must only be last", i)
			}
		}
	}
	if doneCount != 1 {
		t.Fatalf("done:true count = %d, want exactly 1", doneCount)
	}
}

func TestTranslateStreamPrematureCloseStillEmitsDone(t *testing.T) {
	// Upstream cut mid-stream without [DONE]: the adapter must still
	// finish the NDJSON response with a done:true chunk carrying the
	// observed counters.
	sse := `data: {"choices":[{"delta":{"content":"partial"}}]}` + "\n"

	rec := httptest.NewRecorder()
	translateStream(rec, "m", strings.NewReader(sse), true)

	lines := decodeNDJSON(t, rec.Body.String())
	if len(lines) != 2 {
		t.Fatalf("expected delta + final, got %d lines", len(lines))
	}
	final := lines[1]
	if final["done"] != true {
		t.Fatal("final chunk must have done:true even without [DONE]")
	}
	if final["eval_count"].(float64) != 1 {
		t.Errorf("eval_count = %v, want 1 observed chunk", final["eval_count"])
	}
}

func TestTranslateStreamUsesUsageEventCounts(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"hi"}}]}`,
		`data: {"choices":[],"usage":{"prompt_tokens":11,"completion_tokens":7}}`,
		`data: [DONE]`,
	}, "\n")

	rec := httptest.NewRecorder()
	translateStream(rec, "m", strings.NewReader(sse), true)

	lines := decodeNDJSON(t, rec.Body.String())
	final := lines[len(lines)-1]
	if final["prompt_eval_count"].(float64) != 11 {
		t.Errorf("prompt_eval_count = %v, want 11 from usage", final["prompt_eval_count"])
	}
	if final["eval_count"].(float64) != 7 {
		t.Errorf("eval_count = %v, want 7 from usage", final["eval_count"])
	}
}

func TestTranslateStreamGenerateUsesResponseField(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"choices":[{"text":"out"}]}`,
		`data: [DONE]`,
	}, "\n")

	rec := httptest.NewRecorder()
	translateStream(rec, "m", strings.NewReader(sse), false)

	lines := decodeNDJSON(t, rec.Body.String())
	if lines[0]["response"] != "out" {
		t.Errorf("response = %v, want %q", lines[0]["response"], "out")
	}
	if _, hasMessage := lines[0]["message"]; hasMessage {
		t.Error("generate chunks must not carry a chat message field")
	}
}

func TestTranslateStreamSkipsCommentsAndBlankLines(t *testing.T) {
	sse := strings.Join([]string{
		`: keep-alive comment`,
		``,
		`data: {"choices":[{"delta":{"content":"x"}}]}`,
		`data: [DONE]`,
	}, "\n")

	rec := httptest.NewRecorder()
	translateStream(rec, "m", strings.NewReader(sse), true)

	lines := decodeNDJSON(t, rec.Body.String())
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines (delta + final), got %d", len(lines))
	}
}
