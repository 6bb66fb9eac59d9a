// Package claude runs a review crew on the Claude Agent SDK.
package claude

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	claudeagent "github.com/kazz187/claude-agent-sdk-go"

	"github.com/kazz187/reviewcrew/internal/crew"
	"github.com/kazz187/reviewcrew/pkg/cerr"
	"github.com/kazz187/reviewcrew/pkg/clog"
)

// Reply is the final message of one Claude query.
type Reply struct {
	Text      string
	IsError   bool
	SessionID string
}

// QueryFunc runs one prompt to completion. Tests replace it.
type QueryFunc func(ctx context.Context, prompt string, opts *claudeagent.ClaudeAgentOptions) (*Reply, error)

func runQuerySync(ctx context.Context, prompt string, opts *claudeagent.ClaudeAgentOptions) (*Reply, error) {
	result, err := claudeagent.RunQuerySync(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}
	if result.Result == nil {
		return nil, nil
	}
	return &Reply{
		Text:      result.Result.Result,
		IsError:   result.Result.IsError,
		SessionID: result.Result.SessionID,
	}, nil
}

type Engine struct {
	workDir        string
	maxTurns       int
	permissionMode claudeagent.PermissionMode
	query          QueryFunc
}

type Option func(*Engine)

func WithWorkDir(dir string) Option {
	return func(e *Engine) { e.workDir = dir }
}

func WithMaxTurns(n int) Option {
	return func(e *Engine) { e.maxTurns = n }
}

func WithPermissionMode(pm string) Option {
	return func(e *Engine) {
		if pm != "" {
			e.permissionMode = claudeagent.PermissionMode(pm)
		}
	}
}

func WithQueryFunc(q QueryFunc) Option {
	return func(e *Engine) { e.query = q }
}

func New(opts ...Option) *Engine {
	e := &Engine{
		maxTurns:       1,
		permissionMode: claudeagent.PermissionModeDefault,
		query:          runQuerySync,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs tasks one at a time in the given order. Each task sees the
// outputs of its context tasks in its prompt.
func (e *Engine) Execute(ctx context.Context, agents []*crew.Agent, tasks []*crew.Task) (*crew.Result, error) {
	known := make(map[string]bool, len(agents))
	for _, a := range agents {
		known[a.Name] = true
	}

	outputs := make(map[*crew.Task]string, len(tasks))
	sessions := make(map[string]string, len(agents))
	result := &crew.Result{}

	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		agent := task.Agent
		if agent == nil || !known[agent.Name] {
			return nil, cerr.NewError(cerr.FailedPrecondition, fmt.Sprintf("task %s has no registered agent", task.Name), nil)
		}

		prompt, err := UserPrompt(task, outputs)
		if err != nil {
			return nil, err
		}
		opts := e.options(ctx, agent, task.Name)
		if agent.Memory {
			if sid := sessions[agent.Name]; sid != "" {
				opts.Resume = sid
			}
		}

		slog.DebugContext(ctx, "running task", clog.TaskAttributeKey, task.Name, "agent", agent.Name, "resume", opts.Resume != "")
		qr, err := e.query(ctx, prompt, opts)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", task.Name, err)
		}
		if qr == nil {
			return nil, cerr.NewError(cerr.Internal, fmt.Sprintf("task %s returned no result", task.Name), nil)
		}
		if qr.IsError {
			msg := qr.Text
			if msg == "" {
				msg = "Claude returned an error"
			}
			return nil, cerr.NewError(cerr.Unavailable, fmt.Sprintf("task %s failed", task.Name), errors.New(msg))
		}
		if agent.Memory && qr.SessionID != "" {
			sessions[agent.Name] = qr.SessionID
		}

		raw := qr.Text
		outputs[task] = raw
		out := crew.TaskOutput{Task: task.Name, Agent: agent.Name, Raw: raw}
		result.TaskOutputs = append(result.TaskOutputs, out)
		result.Raw = raw
		if task.Callback != nil {
			task.Callback(out)
		}
	}
	return result, nil
}

func (e *Engine) options(ctx context.Context, agent *crew.Agent, taskName string) *claudeagent.ClaudeAgentOptions {
	maxTurns := e.maxTurns
	opts := &claudeagent.ClaudeAgentOptions{
		SystemPrompt:   SystemPrompt(agent),
		Cwd:            e.workDir,
		PermissionMode: e.permissionMode,
		MaxTurns:       &maxTurns,
	}
	if agent.Verbose {
		opts.StderrCallback = func(line string) {
			slog.DebugContext(ctx, "claude stderr", clog.TaskAttributeKey, taskName, "agent", agent.Name, "line", line)
		}
	}
	return opts
}

// SystemPrompt turns an agent persona into a system prompt.
func SystemPrompt(agent *crew.Agent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.\n\n", strings.TrimSpace(agent.Role))
	fmt.Fprintf(&b, "Your goal: %s\n\n", strings.TrimSpace(agent.Goal))
	fmt.Fprintf(&b, "Background: %s\n\n", strings.TrimSpace(agent.Backstory))
	b.WriteString("Answer with your final report only. Do not ask follow-up questions.")
	return b.String()
}

// UserPrompt renders the task description, the expected output and the
// outputs of the context tasks. Every context task must already have run.
func UserPrompt(task *crew.Task, outputs map[*crew.Task]string) (string, error) {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(task.Description))
	b.WriteString("\n\n## Expected output\n\n")
	b.WriteString(strings.TrimSpace(task.ExpectedOutput))

	if len(task.Context) > 0 {
		b.WriteString("\n\n## Findings from previous reviewers\n")
		for _, dep := range task.Context {
			out, ok := outputs[dep]
			if !ok {
				return "", cerr.NewError(cerr.Internal, fmt.Sprintf("task %s ran before its dependency %s", task.Name, dep.Name), nil)
			}
			fmt.Fprintf(&b, "\n### %s\n\n%s\n", dep.Name, strings.TrimSpace(out))
		}
	}
	return b.String(), nil
}
