package hub

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/forgeserve/forge/internal/forgeerr"
	"github.com/forgeserve/forge/internal/resolver"
)

func TestListFilesFiltersDirectories(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/models/author/model/tree/main" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `[
			{"type":"file","path":"model-Q4_K_M.gguf","size":100},
			{"type":"directory","path":"extras","size":0},
			{"type":"file","path":"extras/model-Q8_0.gguf","size":200}
		]`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	files, err := c.ListFiles(context.Background(), "author/model", "main")
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %d, want 2 (directory filtered)", len(files))
	}
	if files[0].Path != "model-Q4_K_M.gguf" || files[0].Size != 100 {
		t.Fatalf("unexpected first file %+v", files[0])
	}
}

func TestFetchResumesPartialFile(t *testing.T) {
	const content = "0123456789abcdef"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := content
		if rng := r.Header.Get("Range"); rng != "" {
			off, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"))
			if err != nil || off >= len(content) {
				w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
				return
			}
			body = content[off:]
			w.WriteHeader(http.StatusPartialContent)
		}
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	dest := t.TempDir()
	// Simulate a cancelled earlier run that left the first 6 bytes.
	if err := os.WriteFile(filepath.Join(dest, "model.gguf"), []byte(content[:6]), 0o644); err != nil {
		t.Fatalf("seed partial: %v", err)
	}

	c := NewClient(srv.URL, "")
	var lastDownloaded, lastTotal int64
	err := c.Fetch(context.Background(), "author/model", "main",
		[]resolver.HubFile{{Path: "model.gguf", Size: int64(len(content))}},
		dest,
		func(downloaded, total int64) { lastDownloaded, lastTotal = downloaded, total })
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "model.gguf"))
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if string(got) != content {
		t.Fatalf("resumed content = %q, want %q", got, content)
	}
	if lastDownloaded != int64(len(content)) || lastTotal != int64(len(content)) {
		t.Fatalf("final progress = %d/%d, want %d/%d", lastDownloaded, lastTotal, len(content), len(content))
	}
}

func TestFetchSkipsAlreadyCompleteFile(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		fmt.Fprint(w, "xx")
	}))
	defer srv.Close()

	dest := t.TempDir()
	if err := os.WriteFile(filepath.Join(dest, "done.gguf"), []byte("xx"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	c := NewClient(srv.URL, "")
	err := c.Fetch(context.Background(), "a/b", "main",
		[]resolver.HubFile{{Path: "done.gguf", Size: 2}}, dest, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if requests != 0 {
		t.Fatalf("complete file refetched (%d requests)", requests)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		kind   forgeerr.Kind
	}{
		{http.StatusNotFound, forgeerr.KindNotFound},
		{http.StatusUnauthorized, forgeerr.KindValidation},
		{http.StatusForbidden, forgeerr.KindValidation},
		{http.StatusBadGateway, forgeerr.KindUnavailable},
	}
	for _, c := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(c.status)
		}))
		cl := NewClient(srv.URL, "")
		_, err := cl.GetModelInfo(context.Background(), "a/b")
		srv.Close()

		fe, ok := forgeerr.As(err)
		if !ok || fe.Kind != c.kind {
			t.Errorf("status %d: got %v, want kind %s", c.status, err, c.kind)
		}
	}
}
