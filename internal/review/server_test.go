package review

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/reviewcrew/internal/crew"
	"github.com/kazz187/reviewcrew/internal/eventbus"
	"github.com/kazz187/reviewcrew/internal/report"
	"github.com/kazz187/reviewcrew/internal/report/repositoryimpl"
	"github.com/kazz187/reviewcrew/pkg/cerr"
	"github.com/kazz187/reviewcrew/pkg/storage"
)

type fakeRunner struct {
	inputs []*crew.Input
	err    error
	loc    *report.Location
}

func (f *fakeRunner) Run(_ context.Context, reviewID string, input *crew.Input) (*crew.Outcome, error) {
	f.inputs = append(f.inputs, input)
	outcome := &crew.Outcome{ReviewID: reviewID, Result: &crew.Result{Raw: "final report"}, Location: f.loc}
	var pe *crew.PersistError
	if errors.As(f.err, &pe) {
		return outcome, f.err
	}
	if f.err != nil {
		return nil, f.err
	}
	return outcome, nil
}

type fakeCloner struct {
	files map[string]string
	err   error
}

func (f fakeCloner) Clone(_ context.Context, _ string, dest string) error {
	if f.err != nil {
		return f.err
	}
	for rel, content := range f.files {
		p := filepath.Join(dest, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

type fixture struct {
	runner  *fakeRunner
	repo    *repositoryimpl.YAMLRepository
	storage *storage.LocalStorage
	router  http.Handler
}

func newFixture(t *testing.T, runner *fakeRunner, cloner fakeCloner) *fixture {
	t.Helper()
	st, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	repo := repositoryimpl.NewYAMLRepository(st)
	srv := NewServer(runner, repo, st, cloner, eventbus.New(), Limits{
		MaxUploadSize:      1024,
		GitHubDefaultFiles: 1,
		GitHubMaxFiles:     2,
	})
	r := chi.NewRouter()
	r.Use(cerr.NewConvertConnectErrorChiMiddleware())
	srv.Routes(r)
	return &fixture{runner: runner, repo: repo, storage: st, router: r}
}

func uploadRequest(t *testing.T, filename, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/review/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestReviewUpload(t *testing.T) {
	runner := &fakeRunner{loc: &report.Location{ReportPath: "app_review.md", RawPath: "app_raw.txt"}}
	f := newFixture(t, runner, fakeCloner{})

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, uploadRequest(t, "app.py", "print('hi')\n"))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "app.py", body["filename"])
	assert.Equal(t, "final report", body["report"])
	assert.Equal(t, "app_review.md", body["report_path"])
	assert.NotContains(t, body, "save_error")

	require.Len(t, runner.inputs, 1)
	assert.Equal(t, "app.py", runner.inputs[0].Path)
	assert.Equal(t, "print('hi')\n", runner.inputs[0].Content)

	stored, err := f.repo.Get(context.Background(), body["review_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, report.StatusCompleted, stored.Status)
	assert.Equal(t, "app_review.md", stored.ReportPath)
}

func TestReviewUpload_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  string
		wantMsg  string
	}{
		{name: "not python", filename: "notes.txt", content: "hello", wantMsg: "only Python files (.py) are supported"},
		{name: "too large", filename: "big.py", content: strings.Repeat("x", 2048), wantMsg: "maximum upload size"},
		{name: "binary", filename: "bin.py", content: "\xff\xfe", wantMsg: "UTF-8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			f := newFixture(t, runner, fakeCloner{})
			rec := httptest.NewRecorder()
			f.router.ServeHTTP(rec, uploadRequest(t, tt.filename, tt.content))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, "invalid_argument", body["code"])
			assert.Contains(t, body["message"], tt.wantMsg)
			assert.Empty(t, runner.inputs)
		})
	}
}

func TestReviewUpload_MissingFile(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, fakeCloner{})
	req := httptest.NewRequest(http.MethodPost, "/review/upload", strings.NewReader(""))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReviewUpload_PersistFailure(t *testing.T) {
	runner := &fakeRunner{err: &crew.PersistError{Err: errors.New("disk full")}}
	f := newFixture(t, runner, fakeCloner{})

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, uploadRequest(t, "app.py", "x = 1"))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "final report", body["report"])
	assert.NotEmpty(t, body["save_error"])

	stored, err := f.repo.Get(context.Background(), body["review_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, report.StatusSaveFailed, stored.Status)
}

func TestReviewUpload_ExecutionFailure(t *testing.T) {
	runner := &fakeRunner{err: cerr.NewError(cerr.Unavailable, "task bug_detection_task failed", nil)}
	f := newFixture(t, runner, fakeCloner{})

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, uploadRequest(t, "app.py", "x = 1"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	records, total, err := f.repo.List(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, report.StatusFailed, records[0].Status)
}

func githubRequest(repoURL, selected string) *http.Request {
	form := url.Values{}
	form.Set("repo_url", repoURL)
	if selected != "" {
		form.Set("selected_files", selected)
	}
	req := httptest.NewRequest(http.MethodPost, "/review/github", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestReviewGitHub(t *testing.T) {
	cloner := fakeCloner{files: map[string]string{
		"a.py":     "a = 1\n",
		"pkg/b.py": "b = 2\n",
		"c.txt":    "not python",
	}}

	t.Run("default selection", func(t *testing.T) {
		runner := &fakeRunner{}
		f := newFixture(t, runner, cloner)
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, githubRequest("https://github.com/example/project", ""))

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := decode(t, rec)
		assert.Equal(t, []any{"a.py"}, body["files_analyzed"])
		assert.EqualValues(t, 2, body["total_files"])
		require.Len(t, runner.inputs, 1)
		assert.Equal(t, "GITHUB_REPO", runner.inputs[0].Path)
		assert.Equal(t, "\n\n=== FILE: a.py ===\na = 1\n\n", runner.inputs[0].Content)
	})

	t.Run("explicit selection", func(t *testing.T) {
		runner := &fakeRunner{}
		f := newFixture(t, runner, cloner)
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, githubRequest("https://github.com/example/project", "pkg/b.py, a.py"))

		require.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, runner.inputs, 1)
		assert.True(t, strings.HasPrefix(runner.inputs[0].Content, "\n\n=== FILE: pkg/b.py ==="))
	})

	t.Run("no readable selection", func(t *testing.T) {
		runner := &fakeRunner{}
		f := newFixture(t, runner, cloner)
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, githubRequest("https://github.com/example/project", "missing.py"))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Empty(t, runner.inputs)
	})

	t.Run("no python files", func(t *testing.T) {
		f := newFixture(t, &fakeRunner{}, fakeCloner{files: map[string]string{"README.md": "x"}})
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, githubRequest("https://github.com/example/project", ""))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("missing url", func(t *testing.T) {
		f := newFixture(t, &fakeRunner{}, cloner)
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, githubRequest("", ""))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("clone failure", func(t *testing.T) {
		f := newFixture(t, &fakeRunner{}, fakeCloner{err: errors.New("not found")})
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, githubRequest("https://github.com/example/missing", ""))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestListFiles(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, fakeCloner{files: map[string]string{"a.py": "abc", "b/c.py": "de"}})

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/list?repo_url="+url.QueryEscape("https://github.com/example/project"), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 2, body["total"])
	assert.Equal(t, []any{
		map[string]any{"path": "a.py", "size": float64(3)},
		map[string]any{"path": "b/c.py", "size": float64(2)},
	}, body["files"])
}

func TestGetReview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeRunner{}, fakeCloner{})
	require.NoError(t, f.storage.Write(ctx, "app_review.md", []byte("# Code Review Report")))
	require.NoError(t, f.repo.Create(ctx, &report.Record{ID: "01HX0000000000000000000001", FileName: "app.py", Status: report.StatusCompleted, ReportPath: "app_review.md"}))

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reviews/01HX0000000000000000000001", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "app.py", body["file_name"])
	assert.Equal(t, "# Code Review Report", body["report"])

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reviews/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reviews?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.EqualValues(t, 1, body["total"])

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reviews?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type slowRunner struct {
	active atomic.Int32
	peak   atomic.Int32
}

func (r *slowRunner) Run(_ context.Context, reviewID string, _ *crew.Input) (*crew.Outcome, error) {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return &crew.Outcome{ReviewID: reviewID, Result: &crew.Result{Raw: "ok"}}, nil
}

func TestReviewUpload_ConcurrencyCap(t *testing.T) {
	st, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	runner := &slowRunner{}
	srv := NewServer(runner, repositoryimpl.NewYAMLRepository(st), st, fakeCloner{}, eventbus.New(), Limits{
		MaxUploadSize:        1024,
		GitHubDefaultFiles:   1,
		GitHubMaxFiles:       2,
		MaxConcurrentReviews: 1,
	})
	r := chi.NewRouter()
	r.Use(cerr.NewConvertConnectErrorChiMiddleware())
	srv.Routes(r)

	reqs := make([]*http.Request, 4)
	for i := range reqs {
		reqs[i] = uploadRequest(t, "app.py", "x = 1\n")
	}
	var wg sync.WaitGroup
	codes := make([]int, len(reqs))
	for i, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}()
	}
	wg.Wait()

	for _, code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
	assert.Equal(t, int32(1), runner.peak.Load())
}
