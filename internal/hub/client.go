// Package hub provides a typed HTTP client for the remote model hub.
// Forge uses this to search repos, resolve file trees, and fetch GGUF
// artifacts to disk with live progress.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/forgeserve/forge/internal/forgeerr"
	"github.com/forgeserve/forge/internal/resolver"
)

// DefaultBaseURL is the public hub endpoint.
const DefaultBaseURL = "https://huggingface.co"

// Client wraps the hub HTTP API. It satisfies both resolver.HubClient and
// the download worker's Fetcher contract.
type Client struct {
	BaseURL    string
	Token      string // optional bearer token for gated repos
	httpClient *http.Client
}

// NewClient creates a hub client pointing at baseURL (empty = the public
// hub). token may be empty.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		httpClient: &http.Client{
			Timeout: 0, // no timeout — artifact fetches run for a long time
		},
	}
}

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

// SearchResult is one entry from the hub's model search.
type SearchResult struct {
	ID           string    `json:"id"`
	Author       string    `json:"author"`
	Downloads    int64     `json:"downloads"`
	Likes        int64     `json:"likes"`
	LastModified time.Time `json:"lastModified"`
	Tags         []string  `json:"tags"`
}

// SearchPage is a bounded page of search results.
type SearchPage struct {
	Items   []SearchResult
	HasMore bool
	Page    int
}

// ModelInfo is the detail record for one repo.
type ModelInfo struct {
	ID           string    `json:"id"`
	Author       string    `json:"author"`
	SHA          string    `json:"sha"`
	Downloads    int64     `json:"downloads"`
	Likes        int64     `json:"likes"`
	LastModified time.Time `json:"lastModified"`
	Tags         []string  `json:"tags"`
}

// treeEntry is one row of the repo tree API.
type treeEntry struct {
	Type string `json:"type"` // "file" | "directory"
	Path string `json:"path"`
	Size int64  `json:"size"`
	OID  string `json:"oid"`
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return forgeerr.Wrap(forgeerr.KindInternal, "HUB_REQUEST_BUILD", "build hub request", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return forgeerr.Wrap(forgeerr.KindUnavailable, "HUB_NETWORK", "hub request failed", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, path); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return forgeerr.Wrap(forgeerr.KindUnavailable, "HUB_BAD_RESPONSE", "decode hub response", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}

// classifyStatus maps hub HTTP statuses onto the error taxonomy: NotFound,
// Auth, Network{status}.
func classifyStatus(status int, path string) error {
	switch {
	case status == http.StatusOK || status == http.StatusPartialContent:
		return nil
	case status == http.StatusNotFound:
		return forgeerr.NotFound("HUB_NOT_FOUND", fmt.Sprintf("hub resource %s not found", path))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return forgeerr.Validation("HUB_AUTH", fmt.Sprintf("hub denied access to %s (check token)", path))
	default:
		return forgeerr.Unavailable("HUB_NETWORK", fmt.Sprintf("hub returned %d for %s", status, path)).
			WithMetadata(map[string]any{"status": status})
	}
}

// ---------------------------------------------------------------------------
// Search & metadata
// ---------------------------------------------------------------------------

// Search queries the hub for GGUF repos matching query.
func (c *Client) Search(ctx context.Context, query, sort string, limit, page int) (SearchPage, error) {
	if limit <= 0 {
		limit = 20
	}
	if sort == "" {
		sort = "downloads"
	}
	q := url.Values{}
	q.Set("search", query)
	q.Set("sort", sort)
	q.Set("filter", "gguf")
	// Fetch one extra row to learn whether another page exists.
	q.Set("limit", fmt.Sprintf("%d", limit+1))
	if page > 0 {
		q.Set("skip", fmt.Sprintf("%d", page*limit))
	}

	var items []SearchResult
	if err := c.get(ctx, "/api/models?"+q.Encode(), &items); err != nil {
		return SearchPage{}, err
	}

	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	return SearchPage{Items: items, HasMore: hasMore, Page: page}, nil
}

// GetModelInfo fetches the detail record for repo.
func (c *Client) GetModelInfo(ctx context.Context, repo string) (ModelInfo, error) {
	var info ModelInfo
	if err := c.get(ctx, "/api/models/"+repo, &info); err != nil {
		return ModelInfo{}, err
	}
	return info, nil
}

// GetCommitSha resolves revision (branch, tag, or sha) to a commit sha.
func (c *Client) GetCommitSha(ctx context.Context, repo, revision string) (string, error) {
	if revision == "" {
		revision = "main"
	}
	var out struct {
		SHA string `json:"sha"`
	}
	if err := c.get(ctx, fmt.Sprintf("/api/models/%s/revision/%s", repo, revision), &out); err != nil {
		return "", err
	}
	return out.SHA, nil
}

// ListFiles returns the repo's file tree at revision, recursively, with
// sizes. Directories are omitted.
func (c *Client) ListFiles(ctx context.Context, repo, revision string) ([]resolver.HubFile, error) {
	if revision == "" {
		revision = "main"
	}
	var entries []treeEntry
	path := fmt.Sprintf("/api/models/%s/tree/%s?recursive=true", repo, revision)
	if err := c.get(ctx, path, &entries); err != nil {
		return nil, err
	}

	out := make([]resolver.HubFile, 0, len(entries))
	for _, e := range entries {
		if e.Type != "file" {
			continue
		}
		out = append(out, resolver.HubFile{Path: e.Path, Size: e.Size})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Artifact fetch
// ---------------------------------------------------------------------------

// Fetch downloads repo's files at revision into destDir, reporting
// cumulative progress across the whole group. A partial file left by an
// earlier cancelled run is resumed with a Range request rather than
// refetched.
func (c *Client) Fetch(ctx context.Context, repo, revision string, files []resolver.HubFile, destDir string, onProgress func(downloaded, total int64)) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return forgeerr.Wrap(forgeerr.KindInternal, "DEST_DIR_FAILED", "create destination directory", err)
	}

	var total int64
	for _, f := range files {
		total += f.Size
	}

	var done int64
	for _, f := range files {
		n, err := c.fetchOne(ctx, repo, revision, f, destDir, func(fileBytes int64) {
			if onProgress != nil {
				onProgress(done+fileBytes, total)
			}
		})
		if err != nil {
			return err
		}
		done += n
	}
	return nil
}

// fetchOne downloads (or resumes) a single file, returning its final size.
func (c *Client) fetchOne(ctx context.Context, repo, revision string, f resolver.HubFile, destDir string, onFileProgress func(int64)) (int64, error) {
	dest := filepath.Join(destDir, filepath.Base(f.Path))

	var offset int64
	if st, err := os.Stat(dest); err == nil {
		if st.Size() == f.Size && f.Size > 0 {
			onFileProgress(f.Size)
			return f.Size, nil // already complete from a previous run
		}
		if st.Size() < f.Size {
			offset = st.Size()
		}
	}

	rawURL := c.ResolveURL(repo, revision, f.Path)
	resp, err := c.openFetch(ctx, rawURL, offset)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		// Partial file is stale; refetch from scratch.
		resp.Body.Close()
		offset = 0
		if resp, err = c.openFetch(ctx, rawURL, 0); err != nil {
			return 0, err
		}
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, f.Path); err != nil {
		return 0, err
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 && resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
	} else {
		offset = 0
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(dest, flags, 0o644)
	if err != nil {
		return 0, forgeerr.Wrap(forgeerr.KindInternal, "DEST_OPEN_FAILED", "open destination file", err)
	}
	defer out.Close()

	written := offset
	buf := make([]byte, 256*1024)
	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return written, forgeerr.Wrap(forgeerr.KindInternal, "DEST_WRITE_FAILED", "write destination file", err)
			}
			written += int64(n)
			onFileProgress(written)
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, forgeerr.Wrap(forgeerr.KindUnavailable, "HUB_NETWORK", "read file body", readErr)
		}
	}
}

// openFetch issues the ranged (or plain) GET for one file.
func (c *Client) openFetch(ctx context.Context, rawURL string, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindInternal, "HUB_REQUEST_BUILD", "build fetch request", err)
	}
	c.authorize(req)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindUnavailable, "HUB_NETWORK", "fetch file", err)
	}
	return resp, nil
}

// ResolveURL builds the direct download URL for one file of a repo at a
// revision.
func (c *Client) ResolveURL(repo, revision, path string) string {
	if revision == "" {
		revision = "main"
	}
	return fmt.Sprintf("%s/%s/resolve/%s/%s", c.BaseURL, repo, revision, path)
}
