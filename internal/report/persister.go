// Package report writes review results to storage and keeps the history of
// review runs.
package report

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kazz187/reviewcrew/pkg/cerr"
	"github.com/kazz187/reviewcrew/pkg/storage"
)

const (
	fileTimestampLayout   = "20060102_150405"
	headerTimestampLayout = "2006-01-02 15:04:05"
)

// Location is where a report was written, relative to the storage root.
type Location struct {
	ReportPath string `json:"report_path" yaml:"report_path"`
	RawPath    string `json:"raw_path" yaml:"raw_path"`
}

// RawOutputer is implemented by results that carry the final report text.
type RawOutputer interface {
	RawOutput() string
}

type Persister struct {
	storage storage.Storage
	now     func() time.Time
	// mu serialises the existence check and the writes so that two saves of
	// the same name in the same second cannot overwrite each other.
	mu *sync.Mutex
}

func NewPersister(s storage.Storage) *Persister {
	return &Persister{storage: s, now: time.Now, mu: &sync.Mutex{}}
}

// WithClock returns a copy of p that timestamps files with now.
func (p *Persister) WithClock(now func() time.Time) *Persister {
	cp := *p
	cp.now = now
	return &cp
}

// Save writes <stem>_review_<ts>.md (header plus raw text) and
// <stem>_raw_<ts>.txt (raw text only). Existing files are never overwritten:
// a name collision fails with AlreadyExists. Failures are returned, not
// retried.
func (p *Persister) Save(ctx context.Context, fileName string, result any) (*Location, error) {
	raw := RawText(result)
	now := p.now()
	stem := Stem(fileName)
	ts := now.Format(fileTimestampLayout)

	loc := &Location{
		ReportPath: fmt.Sprintf("%s_review_%s.md", stem, ts),
		RawPath:    fmt.Sprintf("%s_raw_%s.txt", stem, ts),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, path := range []string{loc.ReportPath, loc.RawPath} {
		exists, err := p.storage.Exists(ctx, path)
		if err != nil {
			return nil, cerr.WrapStorageReadError(path, err)
		}
		if exists {
			return nil, cerr.NewError(cerr.AlreadyExists, fmt.Sprintf("%s already exists", path), nil)
		}
	}
	if err := p.storage.Write(ctx, loc.ReportPath, []byte(Header(fileName, now)+raw)); err != nil {
		return nil, cerr.WrapStorageWriteError("review report", err)
	}
	if err := p.storage.Write(ctx, loc.RawPath, []byte(raw)); err != nil {
		return nil, cerr.WrapStorageWriteError("raw review output", err)
	}
	return loc, nil
}

// Stem is the base name of fileName without its extension. A leading dot
// does not start an extension, so ".py" is its own stem.
func Stem(fileName string) string {
	name := filepath.Base(fileName)
	if i := strings.LastIndex(name, "."); i > 0 && i < len(name)-1 {
		return name[:i]
	}
	return name
}

// Header is the markdown preamble of a saved report.
func Header(fileName string, now time.Time) string {
	return fmt.Sprintf("# Code Review Report\n\n**File**: %s\n**Date**: %s\n\n---\n\n", fileName, now.Format(headerTimestampLayout))
}

// Body strips the Header from a saved report, returning the raw text.
func Body(report string) string {
	const sep = "\n\n---\n\n"
	if !strings.HasPrefix(report, "# Code Review Report\n\n") {
		return report
	}
	if i := strings.Index(report, sep); i >= 0 {
		return report[i+len(sep):]
	}
	return report
}

// RawText extracts the text of a result.
func RawText(result any) string {
	switch r := result.(type) {
	case nil:
		return ""
	case string:
		return r
	case RawOutputer:
		return r.RawOutput()
	case fmt.Stringer:
		return r.String()
	default:
		return fmt.Sprint(r)
	}
}
