// Package crewconfig loads the two documents that describe a review crew:
// agents.yaml (agent name -> persona) and tasks.yaml (task name -> prompt
// templates).
package crewconfig

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/reviewcrew/pkg/cerr"
)

const (
	AgentsFile = "agents.yaml"
	TasksFile  = "tasks.yaml"
)

//go:embed defaults/agents.yaml defaults/tasks.yaml
var defaultsFS embed.FS

// AgentEntry is one persona in agents.yaml. Flags are pointers so that an
// absent key can be told apart from an explicit false.
type AgentEntry struct {
	Role            string `yaml:"role"`
	Goal            string `yaml:"goal"`
	Backstory       string `yaml:"backstory"`
	Verbose         *bool  `yaml:"verbose,omitempty"`
	AllowDelegation *bool  `yaml:"allow_delegation,omitempty"`
	Memory          *bool  `yaml:"memory,omitempty"`
}

// TaskEntry is one prompt template pair in tasks.yaml.
type TaskEntry struct {
	Description    string `yaml:"description"`
	ExpectedOutput string `yaml:"expected_output"`
}

type Config struct {
	Agents map[string]AgentEntry
	Tasks  map[string]TaskEntry
}

// MissingKeyError reports a required agent or task name absent from its
// document.
type MissingKeyError struct {
	Document string
	Key      string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("key %q not found in %s", e.Key, e.Document)
}

// Load reads both documents from fsys.
func Load(fsys fs.FS) (*Config, error) {
	var cfg Config
	if err := readDocument(fsys, AgentsFile, &cfg.Agents); err != nil {
		return nil, err
	}
	if err := readDocument(fsys, TasksFile, &cfg.Tasks); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDir reads both documents from dir.
func LoadDir(dir string) (*Config, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, cerr.NewError(cerr.FailedPrecondition, fmt.Sprintf("config directory %s not found", dir), err)
	}
	if !info.IsDir() {
		return nil, cerr.NewError(cerr.FailedPrecondition, fmt.Sprintf("config path %s is not a directory", dir), nil)
	}
	return Load(os.DirFS(dir))
}

// Defaults returns the documents embedded in the binary.
func Defaults() (*Config, error) {
	sub, err := fs.Sub(defaultsFS, "defaults")
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "failed to open embedded configuration", err)
	}
	return Load(sub)
}

// DefaultDocument returns the raw embedded document, used by the CLI to
// scaffold a config directory.
func DefaultDocument(name string) ([]byte, error) {
	return defaultsFS.ReadFile("defaults/" + name)
}

func readDocument[T any](fsys fs.FS, name string, out *map[string]T) error {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cerr.NewError(cerr.FailedPrecondition, fmt.Sprintf("failed to load %s: file not found", name), err)
		}
		return cerr.NewError(cerr.FailedPrecondition, fmt.Sprintf("failed to load %s", name), err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return cerr.NewError(cerr.FailedPrecondition, fmt.Sprintf("failed to parse %s", name), err)
	}
	if *out == nil {
		*out = map[string]T{}
	}
	return nil
}

// Agent returns the entry for name or a MissingKeyError.
func (c *Config) Agent(name string) (AgentEntry, error) {
	a, ok := c.Agents[name]
	if !ok {
		return AgentEntry{}, missingKey(AgentsFile, name)
	}
	return a, nil
}

// Task returns the entry for name or a MissingKeyError.
func (c *Config) Task(name string) (TaskEntry, error) {
	t, ok := c.Tasks[name]
	if !ok {
		return TaskEntry{}, missingKey(TasksFile, name)
	}
	return t, nil
}

func missingKey(doc, key string) error {
	mk := &MissingKeyError{Document: doc, Key: key}
	return cerr.NewError(cerr.FailedPrecondition, mk.Error(), mk)
}
