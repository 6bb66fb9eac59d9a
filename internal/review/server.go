// Package review exposes the review crew over HTTP.
package review

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"github.com/kazz187/reviewcrew/internal/crew"
	"github.com/kazz187/reviewcrew/internal/eventbus"
	"github.com/kazz187/reviewcrew/internal/github"
	"github.com/kazz187/reviewcrew/internal/report"
	"github.com/kazz187/reviewcrew/pkg/cerr"
	"github.com/kazz187/reviewcrew/pkg/clog"
	"github.com/kazz187/reviewcrew/pkg/storage"
)

// Runner runs one review. *crew.Crew implements it.
type Runner interface {
	Run(ctx context.Context, reviewID string, input *crew.Input) (*crew.Outcome, error)
}

type Limits struct {
	MaxUploadSize      int64
	GitHubDefaultFiles int
	GitHubMaxFiles     int
	// MaxConcurrentReviews caps reviews running at once. Zero means no cap.
	MaxConcurrentReviews int
}

type Server struct {
	runner  Runner
	repo    report.Repository
	storage storage.Storage
	cloner  github.Cloner
	bus     *eventbus.Bus
	limits  Limits
	slots   *semaphore.Weighted
	now     func() time.Time
}

func NewServer(runner Runner, repo report.Repository, st storage.Storage, cloner github.Cloner, bus *eventbus.Bus, limits Limits) *Server {
	s := &Server{
		runner:  runner,
		repo:    repo,
		storage: st,
		cloner:  cloner,
		bus:     bus,
		limits:  limits,
		now:     time.Now,
	}
	if limits.MaxConcurrentReviews > 0 {
		s.slots = semaphore.NewWeighted(int64(limits.MaxConcurrentReviews))
	}
	return s
}

// Routes mounts the JSON endpoints. They expect the cerr JSON middleware.
func (s *Server) Routes(r chi.Router) {
	r.Post("/review/upload", s.ReviewUpload)
	r.Post("/review/github", s.ReviewGitHub)
	r.Get("/files/list", s.ListFiles)
	r.Get("/reviews", s.ListReviews)
	r.Get("/reviews/{id}", s.GetReview)
}

type reviewResponse struct {
	Status        string   `json:"status"`
	ReviewID      string   `json:"review_id"`
	Filename      string   `json:"filename,omitempty"`
	RepoURL       string   `json:"repo_url,omitempty"`
	FilesAnalyzed []string `json:"files_analyzed,omitempty"`
	TotalFiles    int      `json:"total_files,omitempty"`
	Report        string   `json:"report"`
	ReportPath    string   `json:"report_path,omitempty"`
	RawPath       string   `json:"raw_path,omitempty"`
	SaveError     string   `json:"save_error,omitempty"`
	Timestamp     string   `json:"timestamp"`
}

func (s *Server) ReviewUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	// multipart framing overhead on top of the file itself
	r.Body = http.MaxBytesReader(w, r.Body, s.limits.MaxUploadSize+1<<20)

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			cerr.SetJSONError(ctx, tooLarge(s.limits.MaxUploadSize))
			return
		}
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "file is required", err)
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if err := crew.CheckExtension(name); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, s.limits.MaxUploadSize+1))
	if err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "failed to read uploaded file", err)
		return
	}
	if int64(len(data)) > s.limits.MaxUploadSize {
		cerr.SetJSONError(ctx, tooLarge(s.limits.MaxUploadSize))
		return
	}
	if !utf8.Valid(data) {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "file is not valid UTF-8 text", nil)
		return
	}

	slog.InfoContext(ctx, "processing uploaded file", "file", name, "bytes", len(data))
	rec := &report.Record{FileName: name, Source: report.SourceUpload}
	resp, err := s.run(ctx, rec, crew.InputFromContent(name, string(data)))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	resp.Filename = name
	cerr.SetJSONResponse(ctx, resp)
}

func (s *Server) ReviewGitHub(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	repoURL := strings.TrimSpace(r.FormValue("repo_url"))
	if repoURL == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "repository url is required", nil)
		return
	}

	co, err := github.Clone(ctx, s.cloner, repoURL)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	defer func() {
		if err := co.Close(); err != nil {
			slog.WarnContext(ctx, "failed to clean up checkout", "dir", co.Dir, "error", err)
		}
	}()

	files, err := co.PythonFiles()
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if len(files) == 0 {
		cerr.SetNewJSONError(ctx, cerr.NotFound, "no Python files found in repository", nil)
		return
	}

	var requested []string
	if v := r.FormValue("selected_files"); v != "" {
		requested = strings.Split(v, ",")
	}
	selected := github.Select(files, requested, s.limits.GitHubDefaultFiles, s.limits.GitHubMaxFiles)
	combined, included := co.Combine(selected)
	if len(included) == 0 {
		cerr.SetNewJSONError(ctx, cerr.NotFound, "no valid files to analyze", nil)
		return
	}

	slog.InfoContext(ctx, "analyzing repository files", "repo_url", repoURL, "files", len(included))
	rec := &report.Record{FileName: github.DisplayPath, Source: report.SourceGitHub, RepoURL: repoURL, Files: included}
	resp, err := s.run(ctx, rec, crew.InputFromContent(github.DisplayPath, combined))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	resp.RepoURL = repoURL
	resp.FilesAnalyzed = selected
	resp.TotalFiles = len(files)
	cerr.SetJSONResponse(ctx, resp)
}

type listFilesResponse struct {
	Status  string        `json:"status"`
	RepoURL string        `json:"repo_url"`
	Files   []github.File `json:"files"`
	Total   int           `json:"total"`
}

func (s *Server) ListFiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	repoURL := strings.TrimSpace(r.URL.Query().Get("repo_url"))
	if repoURL == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "repository url is required", nil)
		return
	}
	co, err := github.Clone(ctx, s.cloner, repoURL)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	defer co.Close()

	files, err := co.PythonFiles()
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if files == nil {
		files = []github.File{}
	}
	cerr.SetJSONResponse(ctx, listFilesResponse{Status: "success", RepoURL: repoURL, Files: files, Total: len(files)})
}

type listReviewsResponse struct {
	Reviews []*report.Record `json:"reviews"`
	Total   int              `json:"total"`
}

func (s *Server) ListReviews(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, err := intParam(r, "limit", 20)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	records, total, err := s.repo.List(ctx, limit, offset)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if records == nil {
		records = []*report.Record{}
	}
	cerr.SetJSONResponse(ctx, listReviewsResponse{Reviews: records, Total: total})
}

type getReviewResponse struct {
	*report.Record
	Report string `json:"report,omitempty"`
}

func (s *Server) GetReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec, err := s.repo.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	resp := getReviewResponse{Record: rec}
	if rec.ReportPath != "" {
		data, err := s.storage.Read(ctx, rec.ReportPath)
		if err != nil {
			cerr.SetJSONError(ctx, cerr.WrapStorageReadError("review report", err))
			return
		}
		resp.Report = string(data)
	}
	cerr.SetJSONResponse(ctx, resp)
}

// run tracks the review in the repository around the crew run. A failed
// save still answers with the report.
func (s *Server) run(ctx context.Context, rec *report.Record, input *crew.Input) (*reviewResponse, error) {
	if s.slots != nil {
		if err := s.slots.Acquire(ctx, 1); err != nil {
			return nil, cerr.NewError(cerr.Canceled, "review canceled while waiting for a free slot", err)
		}
		defer s.slots.Release(1)
	}
	rec.ID = ulid.Make().String()
	rec.Status = report.StatusRunning
	rec.CreatedAt = s.now()
	clog.AddReviewID(ctx, rec.ID)
	if err := s.repo.Create(ctx, rec); err != nil {
		slog.WarnContext(ctx, "failed to record review", "error", err)
	}

	outcome, err := s.runner.Run(ctx, rec.ID, input)
	completed := s.now()
	rec.CompletedAt = &completed

	var persistErr *crew.PersistError
	switch {
	case err == nil:
		rec.Status = report.StatusCompleted
	case errors.As(err, &persistErr) && outcome != nil:
		rec.Status = report.StatusSaveFailed
		rec.Error = persistErr.Error()
	default:
		rec.Status = report.StatusFailed
		rec.Error = err.Error()
		s.updateRecord(ctx, rec)
		return nil, err
	}
	if outcome.Location != nil {
		rec.ReportPath = outcome.Location.ReportPath
		rec.RawPath = outcome.Location.RawPath
	}
	s.updateRecord(ctx, rec)

	resp := &reviewResponse{
		Status:    "success",
		ReviewID:  rec.ID,
		Report:    outcome.Result.Raw,
		Timestamp: completed.Format(time.RFC3339),
	}
	if outcome.Location != nil {
		resp.ReportPath = outcome.Location.ReportPath
		resp.RawPath = outcome.Location.RawPath
	}
	if persistErr != nil {
		resp.SaveError = "report could not be saved"
	}
	return resp, nil
}

func (s *Server) updateRecord(ctx context.Context, rec *report.Record) {
	if err := s.repo.Update(ctx, rec); err != nil {
		slog.WarnContext(ctx, "failed to update review record", "error", err)
	}
}

func tooLarge(limit int64) error {
	return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("file exceeds the maximum upload size of %d bytes", limit), nil)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("%s must be a non-negative integer", name), err)
	}
	return n, nil
}
