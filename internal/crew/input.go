package crew

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kazz187/reviewcrew/pkg/cerr"
)

const (
	// SourceExtension is the only file type the reviewers accept.
	SourceExtension = ".py"

	// DateTimeLayout renders the {datetime} placeholder.
	DateTimeLayout = "2006-01-02 15:04:05"
)

// Input is the code under review.
type Input struct {
	// Path is shown to the agents as {code_file_path}. For uploaded or
	// combined content it is a display name rather than a real path.
	Path    string
	Name    string
	Content string
}

// InputFromFile reads a Python source file. It fails before any crew work
// when the path does not exist or is not a .py file.
func InputFromFile(path string) (*Input, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("file not found: %s", path), err)
		}
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("cannot access %s", path), err)
	}
	if info.IsDir() {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("%s is a directory", path), nil)
	}
	if err := CheckExtension(path); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("cannot resolve %s", path), err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("cannot read %s", path), err)
	}
	return &Input{Path: abs, Name: filepath.Base(abs), Content: string(data)}, nil
}

// InputFromContent wraps code that did not come from a local file. name is
// used both as display path and file name.
func InputFromContent(name, content string) *Input {
	return &Input{Path: name, Name: filepath.Base(name), Content: content}
}

// CheckExtension rejects any name that does not end in ".py". The match is
// case sensitive.
func CheckExtension(name string) error {
	if strings.HasSuffix(name, SourceExtension) {
		return nil
	}
	e := cerr.NewError(cerr.InvalidArgument, "only Python files (.py) are supported", nil)
	return e.AddDetailMessageWithCode(fmt.Sprintf("%s does not have the %s extension", filepath.Base(name), SourceExtension), "invalid_extension")
}

// TotalLines counts lines the way Python's str.splitlines does: \n, \r,
// \r\n, \v, \f, \x1c-\x1e, \x85, U+2028 and U+2029 all end a line, a
// trailing break does not start a new one, and empty content has zero lines.
func (in *Input) TotalLines() int {
	n := 0
	open := false
	prevCR := false
	for _, r := range in.Content {
		if r == '\n' && prevCR {
			prevCR = false
			continue
		}
		prevCR = r == '\r'
		if isLineBreak(r) {
			n++
			open = false
			continue
		}
		open = true
	}
	if open {
		n++
	}
	return n
}

func isLineBreak(r rune) bool {
	switch r {
	case '\n', '\r', '\v', '\f', '\x1c', '\x1d', '\x1e', '\u0085', '\u2028', '\u2029':
		return true
	}
	return false
}

// Vars returns the placeholder values for task descriptions.
func (in *Input) Vars(now time.Time) map[string]string {
	return map[string]string{
		"code_file_path": in.Path,
		"code_file_name": in.Name,
		"code_content":   in.Content,
		"total_lines":    strconv.Itoa(in.TotalLines()),
		"datetime":       now.Format(DateTimeLayout),
	}
}
