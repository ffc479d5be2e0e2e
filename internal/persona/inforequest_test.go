package persona

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/pkg/errors"
)

func TestParseInfoRequests(t *testing.T) {
	result := `{
		"status": "info_request",
		"requests": [
			{"repo_file": "src/plan.md#L2-L3"},
			{"http_get": "https://example.com/doc"},
			{"type": "repo_file", "path": "README.md"},
			{"type": "http_get", "url": "https://example.com/api"},
			{"type": "carrier_pigeon", "target": "roof"}
		]
	}`

	specs := ParseInfoRequests(result)
	require.Len(t, specs, 4, "unrecognized entries are dropped")
	assert.Equal(t, InfoRequestSpec{Type: InfoTypeRepoFile, Source: "src/plan.md#L2-L3"}, specs[0])
	assert.Equal(t, InfoRequestSpec{Type: InfoTypeHTTPGet, Source: "https://example.com/doc"}, specs[1])
	assert.Equal(t, InfoRequestSpec{Type: InfoTypeRepoFile, Source: "README.md"}, specs[2])
	assert.Equal(t, InfoRequestSpec{Type: InfoTypeHTTPGet, Source: "https://example.com/api"}, specs[3])
}

func TestResolveRepoFile(t *testing.T) {
	root := t.TempDir()
	content := "line one\nline two\nline three\nline four\n"
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "plan.md"), []byte(content), 0o644))

	r := NewInfoResolver(root, nil)

	t.Run("whole file", func(t *testing.T) {
		rec := r.Resolve(context.Background(), InfoRequestSpec{Type: InfoTypeRepoFile, Source: "src/plan.md"})
		require.NoError(t, rec.Err)
		assert.Equal(t, content, rec.Content)
	})

	t.Run("line range anchor", func(t *testing.T) {
		rec := r.Resolve(context.Background(), InfoRequestSpec{Type: InfoTypeRepoFile, Source: "src/plan.md#L2-L3"})
		require.NoError(t, rec.Err)
		assert.Equal(t, "line two\nline three", rec.Content)
	})

	t.Run("single line anchor", func(t *testing.T) {
		rec := r.Resolve(context.Background(), InfoRequestSpec{Type: InfoTypeRepoFile, Source: "src/plan.md#L4"})
		require.NoError(t, rec.Err)
		assert.Equal(t, "line four", rec.Content)
	})

	t.Run("range out of bounds", func(t *testing.T) {
		rec := r.Resolve(context.Background(), InfoRequestSpec{Type: InfoTypeRepoFile, Source: "src/plan.md#L90-L99"})
		assert.Error(t, rec.Err)
	})

	t.Run("path escape rejected", func(t *testing.T) {
		rec := r.Resolve(context.Background(), InfoRequestSpec{Type: InfoTypeRepoFile, Source: "../../etc/passwd"})
		var perr *errors.PolicyViolationError
		require.ErrorAs(t, rec.Err, &perr)
	})

	t.Run("missing file", func(t *testing.T) {
		rec := r.Resolve(context.Background(), InfoRequestSpec{Type: InfoTypeRepoFile, Source: "src/ghost.md"})
		assert.Error(t, rec.Err)
	})
}

func TestResolveHTTPGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/doc":
			w.Write([]byte("remote document body"))
		case "/big":
			w.Write([]byte(strings.Repeat("x", 100)))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	r := NewInfoResolver(t.TempDir(), []string{"internal.corp", "169.254.169.254"})

	t.Run("fetch", func(t *testing.T) {
		rec := r.Resolve(context.Background(), InfoRequestSpec{Type: InfoTypeHTTPGet, Source: srv.URL + "/doc"})
		require.NoError(t, rec.Err)
		assert.Equal(t, "remote document body", rec.Content)
	})

	t.Run("byte cap", func(t *testing.T) {
		capped := NewInfoResolver(t.TempDir(), nil)
		capped.MaxBytes = 10
		rec := capped.Resolve(context.Background(), InfoRequestSpec{Type: InfoTypeHTTPGet, Source: srv.URL + "/big"})
		require.NoError(t, rec.Err)
		assert.Len(t, rec.Content, 10)
	})

	t.Run("deny-listed host", func(t *testing.T) {
		rec := r.Resolve(context.Background(), InfoRequestSpec{Type: InfoTypeHTTPGet, Source: "https://internal.corp/secrets"})
		var perr *errors.PolicyViolationError
		require.ErrorAs(t, rec.Err, &perr)
	})

	t.Run("deny list covers subdomains", func(t *testing.T) {
		rec := r.Resolve(context.Background(), InfoRequestSpec{Type: InfoTypeHTTPGet, Source: "https://vault.internal.corp/x"})
		assert.Error(t, rec.Err)
	})

	t.Run("http error status", func(t *testing.T) {
		rec := r.Resolve(context.Background(), InfoRequestSpec{Type: InfoTypeHTTPGet, Source: srv.URL + "/missing"})
		var xerr *errors.ExternalError
		require.ErrorAs(t, rec.Err, &xerr)
		assert.Equal(t, http.StatusNotFound, xerr.StatusCode)
	})
}

func TestFormatInfoBlocks(t *testing.T) {
	blocks := FormatInfoBlocks([]InfoRecord{
		{Source: "src/a.go#L1", Content: "package a"},
		{Source: "https://x/y", Err: errors.New("boom")},
	})
	assert.Contains(t, blocks, "--- information: src/a.go#L1 ---\npackage a")
	assert.Contains(t, blocks, "unavailable: boom")
}
