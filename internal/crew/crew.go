package crew

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/reviewcrew/internal/crewconfig"
	"github.com/kazz187/reviewcrew/internal/eventbus"
	"github.com/kazz187/reviewcrew/internal/report"
	"github.com/kazz187/reviewcrew/pkg/clog"
	"github.com/kazz187/reviewcrew/pkg/panicerr"
)

// Executor runs the agents over the tasks and returns the final result. It
// owns scheduling, retries and model access; the crew only assembles work.
type Executor interface {
	Execute(ctx context.Context, agents []*Agent, tasks []*Task) (*Result, error)
}

// TaskOutput is the raw text produced by one task.
type TaskOutput struct {
	Task  string `json:"task"`
	Agent string `json:"agent"`
	Raw   string `json:"raw"`
}

// Result is what an Executor returns. Raw is the output of the last task.
type Result struct {
	Raw         string       `json:"raw"`
	TaskOutputs []TaskOutput `json:"task_outputs,omitempty"`
}

func (r *Result) RawOutput() string {
	return r.Raw
}

func (r *Result) String() string {
	return r.Raw
}

// Persister writes a finished result.
type Persister interface {
	Save(ctx context.Context, fileName string, result any) (*report.Location, error)
}

// PersistError is returned alongside a valid Outcome when the review
// succeeded but its report could not be written.
type PersistError struct {
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("review completed but saving the report failed: %v", e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// Outcome is a finished review run.
type Outcome struct {
	ReviewID string
	Result   *Result
	// Location is nil when no persister is configured or saving failed.
	Location *report.Location
}

type Crew struct {
	source    crewconfig.Source
	executor  Executor
	graph     Graph
	persister Persister
	bus       *eventbus.Bus
	now       func() time.Time
}

type Option func(*Crew)

func WithGraph(g Graph) Option {
	return func(c *Crew) { c.graph = g }
}

func WithPersister(p Persister) Option {
	return func(c *Crew) { c.persister = p }
}

func WithEventBus(b *eventbus.Bus) Option {
	return func(c *Crew) { c.bus = b }
}

func WithClock(now func() time.Time) Option {
	return func(c *Crew) { c.now = now }
}

func New(source crewconfig.Source, executor Executor, opts ...Option) *Crew {
	c := &Crew{
		source:   source,
		executor: executor,
		graph:    DefaultGraph(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Plan builds the agents and rendered tasks for input without running them.
func (c *Crew) Plan(input *Input) ([]*Agent, []*Task, error) {
	cfg, err := c.source.Current()
	if err != nil {
		return nil, nil, err
	}
	if err := c.graph.ValidateAgainst(cfg); err != nil {
		return nil, nil, err
	}
	agentsByName, err := BuildAgents(cfg)
	if err != nil {
		return nil, nil, err
	}
	tasks, err := BuildTasks(cfg, agentsByName, c.graph, input, c.now())
	if err != nil {
		return nil, nil, err
	}
	agents := make([]*Agent, 0, len(agentsByName))
	for _, name := range AgentNames {
		agents = append(agents, agentsByName[name])
	}
	return agents, tasks, nil
}

// Run reviews input. reviewID may be empty, in which case one is generated.
// Execution errors are logged and returned unchanged. When saving the report
// fails the outcome is still returned together with a *PersistError.
func (c *Crew) Run(ctx context.Context, reviewID string, input *Input) (*Outcome, error) {
	if reviewID == "" {
		reviewID = ulid.Make().String()
	}
	ctx = clog.EnsureSlog(ctx)
	clog.AddReviewID(ctx, reviewID)
	logger := slog.With("file", input.Name)

	agents, tasks, err := c.Plan(input)
	if err != nil {
		logger.ErrorContext(ctx, "failed to assemble review crew", "error", err)
		c.publish(eventbus.EventReviewFailed, reviewID, "", err.Error())
		return nil, err
	}
	for _, t := range tasks {
		t.Callback = func(out TaskOutput) {
			logger.InfoContext(ctx, "task completed", "task", out.Task, "agent", out.Agent)
			c.publish(eventbus.EventTaskCompleted, reviewID, out.Task, "")
		}
	}

	logger.InfoContext(ctx, "starting review", "tasks", len(tasks), "lines", input.TotalLines())
	c.publish(eventbus.EventReviewStarted, reviewID, "", input.Name)

	result, err := panicerr.Call(ctx, func(ctx context.Context) (*Result, error) {
		return c.executor.Execute(ctx, agents, tasks)
	})
	if err != nil {
		logger.ErrorContext(ctx, "review execution failed", "error", err)
		c.publish(eventbus.EventReviewFailed, reviewID, "", err.Error())
		return nil, err
	}

	outcome := &Outcome{ReviewID: reviewID, Result: result}
	if c.persister != nil {
		loc, err := c.persister.Save(ctx, input.Name, result)
		if err != nil {
			logger.ErrorContext(ctx, "failed to save review report", "error", err)
			c.publish(eventbus.EventReviewCompleted, reviewID, "", "report not saved")
			return outcome, &PersistError{Err: err}
		}
		outcome.Location = loc
		logger.InfoContext(ctx, "review report saved", "report_path", loc.ReportPath, "raw_path", loc.RawPath)
	}
	c.publish(eventbus.EventReviewCompleted, reviewID, "", "")
	return outcome, nil
}

func (c *Crew) publish(t eventbus.EventType, reviewID, task, msg string) {
	if c.bus == nil {
		return
	}
	c.bus.PublishNew(t, reviewID, task, msg)
}
