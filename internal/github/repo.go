// Package github fetches Python sources from a public git repository so they
// can be reviewed as one combined input.
package github

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sourcegraph/conc/iter"
	"mvdan.cc/sh/v3/syntax"

	"github.com/kazz187/reviewcrew/pkg/cerr"
)

// DisplayPath is shown to the reviewers in place of a file path for
// combined repository input.
const DisplayPath = "GITHUB_REPO"

type File struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Cloner produces a local checkout of a repository.
type Cloner interface {
	Clone(ctx context.Context, repoURL, dest string) error
}

// GitCloner shells out to git for a shallow clone.
type GitCloner struct {
	Binary string
}

func (g GitCloner) Clone(ctx context.Context, repoURL, dest string) error {
	bin := g.Binary
	if bin == "" {
		bin = "git"
	}
	args := []string{"clone", "--depth", "1", "--quiet", repoURL, dest}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	line := commandLine(bin, args)
	slog.DebugContext(ctx, "cloning repository", "command", line)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %s: %w", line, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// commandLine renders argv as a copy-pasteable bash command.
func commandLine(bin string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, a := range append([]string{bin}, args...) {
		q, err := syntax.Quote(a, syntax.LangBash)
		if err != nil {
			q = fmt.Sprintf("%q", a)
		}
		parts = append(parts, q)
	}
	return strings.Join(parts, " ")
}

// ValidateURL accepts http(s) URLs with a host and a path.
func ValidateURL(repoURL string) error {
	if strings.TrimSpace(repoURL) == "" {
		return cerr.NewError(cerr.InvalidArgument, "repo_url is required", nil)
	}
	u, err := url.Parse(repoURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" || strings.Trim(u.Path, "/") == "" {
		return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("invalid repository url: %s", repoURL), err)
	}
	return nil
}

// Checkout is a cloned repository in a temporary directory.
type Checkout struct {
	URL string
	Dir string
}

// Clone validates repoURL and clones it into a fresh temporary directory.
// The caller must Close the checkout.
func Clone(ctx context.Context, cloner Cloner, repoURL string) (*Checkout, error) {
	if err := ValidateURL(repoURL); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp("", "reviewcrew-repo-*")
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to create temp dir: %w", err))
	}
	dest := filepath.Join(dir, "repo")
	if err := cloner.Clone(ctx, repoURL, dest); err != nil {
		_ = os.RemoveAll(dir)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, cerr.NewError(cerr.InvalidArgument, "failed to clone repository", err)
	}
	return &Checkout{URL: repoURL, Dir: dest}, nil
}

// Close removes the temporary directory.
func (c *Checkout) Close() error {
	return os.RemoveAll(filepath.Dir(c.Dir))
}

// PythonFiles lists every regular .py file with its size, sorted by path.
// The .git directory, symlinks and other non-regular entries are skipped.
func (c *Checkout) PythonFiles() ([]File, error) {
	var files []File
	err := filepath.WalkDir(c.Dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !strings.HasSuffix(d.Name(), ".py") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(c.Dir, p)
		if err != nil {
			return err
		}
		files = append(files, File{Path: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to list repository files: %w", err))
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Combine reads the selected files concurrently and joins them in
// selection order, each under a "=== FILE: <path> ===" marker. Only paths
// listed by PythonFiles are read, and only while they still resolve inside
// the checkout; anything else is skipped. The returned slice lists the
// files that were included.
func (c *Checkout) Combine(selected []string) (string, []string) {
	files, err := c.PythonFiles()
	if err != nil {
		slog.Warn("failed to list repository files", "dir", c.Dir, "error", err)
		return "", nil
	}
	listed := make(map[string]bool, len(files))
	for _, f := range files {
		listed[f.Path] = true
	}
	root, err := filepath.EvalSymlinks(c.Dir)
	if err != nil {
		slog.Warn("failed to resolve checkout", "dir", c.Dir, "error", err)
		return "", nil
	}

	type part struct {
		path    string
		content string
		ok      bool
	}
	parts := iter.Map(selected, func(rel *string) part {
		if !listed[*rel] {
			slog.Warn("skipping file not listed in repository", "path", *rel)
			return part{}
		}
		full, ok := resolveWithin(root, filepath.Join(c.Dir, filepath.FromSlash(*rel)))
		if !ok {
			slog.Warn("skipping file outside repository", "path", *rel)
			return part{}
		}
		data, err := os.ReadFile(full)
		if err != nil {
			slog.Warn("skipping unreadable file", "path", *rel, "error", err)
			return part{}
		}
		return part{path: *rel, content: string(data), ok: true}
	})

	var b strings.Builder
	var included []string
	for _, p := range parts {
		if !p.ok {
			continue
		}
		fmt.Fprintf(&b, "\n\n=== FILE: %s ===\n%s\n", p.path, p.content)
		included = append(included, p.path)
	}
	return b.String(), included
}

// resolveWithin follows symlinks in path and reports the result when it is
// a regular file under root. root must already be symlink free.
func resolveWithin(root, path string) (string, bool) {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(root, real)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", false
	}
	info, err := os.Stat(real)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return real, true
}

// Select picks the files to review: the requested ones when any are given,
// otherwise the first defaultCount discovered files. The result is capped
// at maxCount.
func Select(files []File, requested []string, defaultCount, maxCount int) []string {
	var selected []string
	for _, r := range requested {
		if r = strings.TrimSpace(r); r != "" {
			selected = append(selected, r)
		}
	}
	if len(selected) == 0 {
		for i := 0; i < len(files) && i < defaultCount; i++ {
			selected = append(selected, files[i].Path)
		}
	}
	if maxCount > 0 && len(selected) > maxCount {
		selected = selected[:maxCount]
	}
	return selected
}
