// Package crew assembles a code review crew from the configuration
// documents: four reviewer agents and the dependency graph of their tasks.
// Execution itself is delegated to an Executor.
package crew

import (
	"github.com/kazz187/reviewcrew/internal/crewconfig"
)

const (
	BugDetectorAgent           = "bug_detector_agent"
	SecurityAnalyzerAgent      = "security_analyzer_agent"
	PerformanceAnalyzerAgent   = "performance_analyzer_agent"
	DocumentationAnalyzerAgent = "documentation_analyzer_agent"
)

// AgentNames lists the fixed reviewer personas in pipeline order.
var AgentNames = []string{
	BugDetectorAgent,
	SecurityAnalyzerAgent,
	PerformanceAnalyzerAgent,
	DocumentationAnalyzerAgent,
}

// Agent is an immutable reviewer persona.
type Agent struct {
	Name            string
	Role            string
	Goal            string
	Backstory       string
	Verbose         bool
	AllowDelegation bool
	Memory          bool
}

// BuildAgents builds one agent per fixed name. If any name is missing from
// the document no agent is returned.
func BuildAgents(cfg *crewconfig.Config) (map[string]*Agent, error) {
	agents := make(map[string]*Agent, len(AgentNames))
	for _, name := range AgentNames {
		entry, err := cfg.Agent(name)
		if err != nil {
			return nil, err
		}
		agents[name] = newAgent(name, entry)
	}
	return agents, nil
}

func newAgent(name string, entry crewconfig.AgentEntry) *Agent {
	return &Agent{
		Name:            name,
		Role:            entry.Role,
		Goal:            entry.Goal,
		Backstory:       entry.Backstory,
		Verbose:         boolOr(entry.Verbose, true),
		AllowDelegation: boolOr(entry.AllowDelegation, false),
		Memory:          boolOr(entry.Memory, true),
	}
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
