package crew

import (
	"errors"
	"fmt"
	"time"

	"github.com/kazz187/reviewcrew/internal/crewconfig"
	"github.com/kazz187/reviewcrew/pkg/cerr"
)

// Task is a rendered unit of work bound to its agent. Context holds the
// upstream tasks whose outputs the agent receives, in declaration order.
type Task struct {
	Name           string
	Description    string
	ExpectedOutput string
	Agent          *Agent
	Context        []*Task

	// Callback, when set, is invoked by the executor after the task
	// finishes with the task's raw output.
	Callback func(output TaskOutput)
}

// BuildTasks renders one task per graph node in topological order.
func BuildTasks(cfg *crewconfig.Config, agents map[string]*Agent, graph Graph, input *Input, now time.Time) ([]*Task, error) {
	order, err := graph.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	vars := input.Vars(now)

	byName := make(map[string]*Task, len(order))
	tasks := make([]*Task, 0, len(order))
	for _, node := range order {
		entry, err := cfg.Task(node.Name)
		if err != nil {
			return nil, err
		}
		description, err := Render(entry.Description, vars)
		if err != nil {
			var te *TemplateError
			if errors.As(err, &te) {
				te.Task = node.Name
			}
			return nil, cerr.NewError(cerr.FailedPrecondition, fmt.Sprintf("failed to render %s", node.Name), err)
		}
		agent, ok := agents[node.Agent]
		if !ok {
			return nil, cerr.NewError(cerr.FailedPrecondition, fmt.Sprintf("agent %s for %s was not built", node.Agent, node.Name), nil)
		}

		task := &Task{
			Name:           node.Name,
			Description:    description,
			ExpectedOutput: entry.ExpectedOutput,
			Agent:          agent,
		}
		for _, dep := range node.DependsOn {
			upstream, ok := byName[dep]
			if !ok {
				return nil, cerr.NewError(cerr.Internal, fmt.Sprintf("dependency %s of %s not built yet", dep, node.Name), nil)
			}
			task.Context = append(task.Context, upstream)
		}
		byName[node.Name] = task
		tasks = append(tasks, task)
	}
	return tasks, nil
}
