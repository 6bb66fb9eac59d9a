package crew

import (
	"fmt"
	"strings"

	"github.com/kazz187/reviewcrew/internal/crewconfig"
	"github.com/kazz187/reviewcrew/pkg/cerr"
)

const (
	BugDetectionTask        = "bug_detection_task"
	SecurityAnalysisTask    = "security_analysis_task"
	PerformanceAnalysisTask = "performance_analysis_task"
	DocumentationReviewTask = "documentation_review_task"
)

// TaskNode is one vertex of the task graph. DependsOn names upstream nodes;
// their outputs become this task's context in the listed order.
type TaskNode struct {
	Name      string
	Agent     string
	DependsOn []string
}

// Graph is a task DAG. Nodes are kept in declaration order, which breaks
// ties in TopologicalOrder.
type Graph struct {
	Nodes []TaskNode
}

// DefaultGraph is the review pipeline: every reviewer sees the findings of
// all reviewers before it.
func DefaultGraph() Graph {
	return Graph{Nodes: []TaskNode{
		{Name: BugDetectionTask, Agent: BugDetectorAgent},
		{Name: SecurityAnalysisTask, Agent: SecurityAnalyzerAgent, DependsOn: []string{BugDetectionTask}},
		{Name: PerformanceAnalysisTask, Agent: PerformanceAnalyzerAgent, DependsOn: []string{BugDetectionTask, SecurityAnalysisTask}},
		{Name: DocumentationReviewTask, Agent: DocumentationAnalyzerAgent, DependsOn: []string{BugDetectionTask, SecurityAnalysisTask, PerformanceAnalysisTask}},
	}}
}

// GraphError reports a structurally invalid task graph.
type GraphError struct {
	Node   string
	Reason string
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("task graph: node %q: %s", e.Node, e.Reason)
}

func graphError(node, reason string) error {
	ge := &GraphError{Node: node, Reason: reason}
	return cerr.NewError(cerr.FailedPrecondition, ge.Error(), ge)
}

// Validate checks names are unique and non-empty, dependencies name declared
// nodes, and the graph has no cycle.
func (g Graph) Validate() error {
	index := make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		if n.Name == "" {
			return graphError("", fmt.Sprintf("node %d has no name", i))
		}
		if n.Agent == "" {
			return graphError(n.Name, "no agent assigned")
		}
		if _, dup := index[n.Name]; dup {
			return graphError(n.Name, "declared more than once")
		}
		index[n.Name] = i
	}
	for _, n := range g.Nodes {
		seen := make(map[string]bool, len(n.DependsOn))
		for _, dep := range n.DependsOn {
			if dep == n.Name {
				return graphError(n.Name, "depends on itself")
			}
			if _, ok := index[dep]; !ok {
				return graphError(n.Name, fmt.Sprintf("depends on unknown node %q", dep))
			}
			if seen[dep] {
				return graphError(n.Name, fmt.Sprintf("lists dependency %q twice", dep))
			}
			seen[dep] = true
		}
	}
	_, err := g.TopologicalOrder()
	return err
}

// ValidateAgainst validates the graph and checks that every node's agent and
// task template exist in cfg.
func (g Graph) ValidateAgainst(cfg *crewconfig.Config) error {
	if err := g.Validate(); err != nil {
		return err
	}
	for _, n := range g.Nodes {
		if _, err := cfg.Agent(n.Agent); err != nil {
			return err
		}
		if _, err := cfg.Task(n.Name); err != nil {
			return err
		}
	}
	return nil
}

// TopologicalOrder returns the nodes so that every node follows all of its
// dependencies. Among ready nodes the earliest declared goes first, so the
// order is stable for a given graph.
func (g Graph) TopologicalOrder() ([]TaskNode, error) {
	inDegree := make(map[string]int, len(g.Nodes))
	dependents := make(map[string][]string, len(g.Nodes))
	for _, n := range g.Nodes {
		inDegree[n.Name] = len(n.DependsOn)
		for _, dep := range n.DependsOn {
			dependents[dep] = append(dependents[dep], n.Name)
		}
	}

	done := make(map[string]bool, len(g.Nodes))
	order := make([]TaskNode, 0, len(g.Nodes))
	for len(order) < len(g.Nodes) {
		progressed := false
		for _, n := range g.Nodes {
			if done[n.Name] || inDegree[n.Name] > 0 {
				continue
			}
			done[n.Name] = true
			order = append(order, n)
			for _, d := range dependents[n.Name] {
				inDegree[d]--
			}
			progressed = true
			break
		}
		if !progressed {
			var stuck []string
			for _, n := range g.Nodes {
				if !done[n.Name] {
					stuck = append(stuck, n.Name)
				}
			}
			return nil, graphError(stuck[0], "dependency cycle among "+strings.Join(stuck, ", "))
		}
	}
	return order, nil
}
