package diff

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePRPath(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{name: "valid http", url: "http://gitcode.com/owner/repo/pull/42"},
		{name: "valid https", url: "https://gitcode.com/some-org/some_repo/pull/1"},
		{name: "wrong host", url: "https://github.com/owner/repo/pull/42", wantErr: true},
		{name: "missing number", url: "https://gitcode.com/owner/repo/pull/", wantErr: true},
		{name: "extra segment", url: "https://gitcode.com/owner/repo/pull/42/files", wantErr: true},
		{name: "not a url", url: "nonsense", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner, repo, number, err := parsePRPath(tt.url, gitcodePRPattern)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidURL)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, owner)
			assert.NotEmpty(t, repo)
			assert.NotEmpty(t, number)
		})
	}
}

func TestRegistryRoutesByHost(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubProvider{domain: "gitcode.com"})

	_, err := reg.GetDiff(context.Background(), "https://gitcode.com/o/r/pull/1")
	require.NoError(t, err)

	_, err = reg.GetDiff(context.Background(), "https://example.com/o/r/pull/1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidURL)
}

type stubProvider struct{ domain string }

func (s *stubProvider) Domain() string { return s.domain }
func (s *stubProvider) GetDiff(context.Context, string) (*Diff, error) {
	return &Diff{Remote: s.domain}, nil
}

func TestGitcodeGetDiff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v5/repos/owner/repo/pulls/7/files.json", r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{
			"count": 2,
			"added_lines": 11,
			"remove_lines": 3,
			"diff_refs": {"base_sha": "aaa111", "head_sha": "bbb222"},
			"diffs": [
				{
					"statistic": {"path": "src/main.c", "old_path": "src/main.c", "new_path": "src/main.c", "added_lines": 10, "deleted_lines": 2},
					"content": {"text": ["@@ -1,3 +1,4 @@", " int main() {", "+  init();", " }"]}
				},
				{
					"statistic": {"path": "README.md", "added_lines": 1, "deleted_lines": 1},
					"content": {"text": ["@@ -1 +1 @@", "-old", "+new"]}
				}
			]
		}`)
	}))
	defer srv.Close()

	p := NewGitcodeProvider("secret-token", nil)
	p.apiBase = srv.URL
	p.retryUnit = time.Millisecond
	p.retryTries = 2

	d, err := p.GetDiff(context.Background(), "https://gitcode.com/owner/repo/pull/7")
	require.NoError(t, err)

	assert.Equal(t, "gitcode.com", d.Remote)
	assert.Equal(t, "owner/repo", d.Project)
	assert.Equal(t, 2, d.Summary.TotalFiles)
	assert.Equal(t, 11, d.Summary.AddedLines)
	assert.Equal(t, 3, d.Summary.RemovedLines)
	assert.Equal(t, "aaa111", d.Summary.BaseSHA)
	assert.Equal(t, "bbb222", d.Summary.HeadSHA)

	require.Len(t, d.Files, 2)
	assert.Equal(t, "src/main.c", d.Files[0].Path)
	assert.Contains(t, d.Files[0].Diff, "diff --git a/src/main.c b/src/main.c")
	assert.Contains(t, d.Files[0].Diff, "--- a/src/main.c")
	assert.Contains(t, d.Files[0].Diff, "+++ b/src/main.c")
	assert.Contains(t, d.Files[0].Diff, "+  init();")
	assert.Equal(t, 10, d.Files[0].AddedLines)
	assert.Equal(t, 2, d.Files[0].RemovedLines)

	// Missing old/new paths fall back to the file path.
	assert.Contains(t, d.Files[1].Diff, "diff --git a/README.md b/README.md")
}

func TestGitcodeBusinessRejectDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"code": 403, "msg": "rate limited"}`)
	}))
	defer srv.Close()

	p := NewGitcodeProvider("", nil)
	p.apiBase = srv.URL
	p.retryUnit = time.Millisecond
	p.retryTries = 3

	_, err := p.GetDiff(context.Background(), "https://gitcode.com/owner/repo/pull/7")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemoteReject)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGitcodeTransportErrorRetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewGitcodeProvider("", nil)
	p.apiBase = srv.URL
	p.retryUnit = time.Millisecond
	p.retryTries = 3

	_, err := p.GetDiff(context.Background(), "https://gitcode.com/owner/repo/pull/7")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGitcodeTransportRecovers(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"count": 0, "diffs": []}`)
	}))
	defer srv.Close()

	p := NewGitcodeProvider("", nil)
	p.apiBase = srv.URL
	p.retryUnit = time.Millisecond
	p.retryTries = 3

	d, err := p.GetDiff(context.Background(), "https://gitcode.com/owner/repo/pull/7")
	require.NoError(t, err)
	assert.Empty(t, d.Files)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGiteeGetDiff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v5/repos/org/proj/pulls/12/files", r.URL.Path)
		assert.Equal(t, "tok", r.URL.Query().Get("access_token"))
		fmt.Fprint(w, `[
			{
				"filename": "lib/util.go",
				"additions": 4,
				"deletions": 1,
				"patch": {"diff": "@@ -1,2 +1,5 @@\n context\n+added\n", "new_path": "lib/util.go", "old_path": "lib/util.go"}
			}
		]`)
	}))
	defer srv.Close()

	p := NewGiteeProvider("tok", nil)
	p.apiBase = srv.URL
	p.retryUnit = time.Millisecond
	p.retryTries = 2

	d, err := p.GetDiff(context.Background(), "https://gitee.com/org/proj/pulls/12")
	require.NoError(t, err)

	assert.Equal(t, "gitee.com", d.Remote)
	assert.Equal(t, "org/proj", d.Project)
	assert.Equal(t, 1, d.Summary.TotalFiles)
	assert.Equal(t, 4, d.Summary.AddedLines)
	assert.Equal(t, 1, d.Summary.RemovedLines)

	require.Len(t, d.Files, 1)
	assert.Equal(t, "lib/util.go", d.Files[0].Path)
	assert.Contains(t, d.Files[0].Diff, "diff --git a/lib/util.go b/lib/util.go")
	assert.Contains(t, d.Files[0].Diff, "+added")
}

func TestGiteeClientErrorRejects(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewGiteeProvider("", nil)
	p.apiBase = srv.URL
	p.retryUnit = time.Millisecond
	p.retryTries = 3

	_, err := p.GetDiff(context.Background(), "https://gitee.com/org/proj/pulls/12")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemoteReject)
	assert.Equal(t, int32(1), calls.Load())
}

const samplePatch = `diff --git a/pkg/a.go b/pkg/a.go
--- a/pkg/a.go
+++ b/pkg/a.go
@@ -1,3 +1,4 @@
 package pkg
+
+func New() {}

diff --git a/pkg/b.go b/pkg/b.go
--- a/pkg/b.go
+++ b/pkg/b.go
@@ -1,2 +1,1 @@
 package pkg
-var old = 1
`

func TestFileProviderParsesLocalPatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "change.patch")
	require.NoError(t, os.WriteFile(path, []byte(samplePatch), 0o644))

	p := NewFileProvider()
	assert.Equal(t, "", p.Domain())

	d, err := p.GetDiff(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "file", d.Remote)
	assert.Equal(t, "change", d.Project)
	assert.Equal(t, 2, d.Summary.TotalFiles)

	require.Len(t, d.Files, 2)
	assert.Equal(t, "pkg/a.go", d.Files[0].Path)
	assert.Equal(t, "pkg/b.go", d.Files[1].Path)
	assert.Contains(t, d.Files[0].Diff, "+func New() {}")
	assert.Contains(t, d.Files[1].Diff, "-var old = 1")
}

func TestFileProviderMissingFile(t *testing.T) {
	p := NewFileProvider()
	_, err := p.GetDiff(context.Background(), filepath.Join(t.TempDir(), "nope.patch"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidURL))
}
