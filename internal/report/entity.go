package report

import "time"

type Source string

const (
	SourceFile   Source = "file"
	SourceUpload Source = "upload"
	SourceGitHub Source = "github"
)

type Status string

const (
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSaveFailed Status = "save_failed"
)

// Record is the history entry of one review run.
type Record struct {
	ID          string     `yaml:"id" json:"id"`
	FileName    string     `yaml:"file_name" json:"file_name"`
	Source      Source     `yaml:"source" json:"source"`
	RepoURL     string     `yaml:"repo_url,omitempty" json:"repo_url,omitempty"`
	Files       []string   `yaml:"files,omitempty" json:"files,omitempty"`
	ReportPath  string     `yaml:"report_path,omitempty" json:"report_path,omitempty"`
	RawPath     string     `yaml:"raw_path,omitempty" json:"raw_path,omitempty"`
	Status      Status     `yaml:"status" json:"status"`
	Error       string     `yaml:"error,omitempty" json:"error,omitempty"`
	CreatedAt   time.Time  `yaml:"created_at" json:"created_at"`
	CompletedAt *time.Time `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
}
