package crewconfig

import (
	"errors"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/reviewcrew/pkg/cerr"
)

const agentsDoc = `
bug_detector_agent:
  role: Bug Detective
  goal: find bugs
  backstory: seasoned debugger
  verbose: false
`

const tasksDoc = `
bug_detection_task:
  description: Review {code_file_name}
  expected_output: A list of bugs
`

func TestLoad(t *testing.T) {
	fsys := fstest.MapFS{
		AgentsFile: {Data: []byte(agentsDoc)},
		TasksFile:  {Data: []byte(tasksDoc)},
	}

	cfg, err := Load(fsys)
	require.NoError(t, err)

	agent, err := cfg.Agent("bug_detector_agent")
	require.NoError(t, err)
	assert.Equal(t, "Bug Detective", agent.Role)
	require.NotNil(t, agent.Verbose)
	assert.False(t, *agent.Verbose)
	assert.Nil(t, agent.Memory)
	assert.Nil(t, agent.AllowDelegation)

	task, err := cfg.Task("bug_detection_task")
	require.NoError(t, err)
	assert.Equal(t, "Review {code_file_name}", task.Description)
	assert.Equal(t, "A list of bugs", task.ExpectedOutput)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		fsys    fstest.MapFS
		wantMsg string
	}{
		{
			name:    "missing agents file",
			fsys:    fstest.MapFS{TasksFile: {Data: []byte(tasksDoc)}},
			wantMsg: "failed to load agents.yaml: file not found",
		},
		{
			name:    "missing tasks file",
			fsys:    fstest.MapFS{AgentsFile: {Data: []byte(agentsDoc)}},
			wantMsg: "failed to load tasks.yaml: file not found",
		},
		{
			name: "malformed agents file",
			fsys: fstest.MapFS{
				AgentsFile: {Data: []byte("bug_detector_agent: [unterminated")},
				TasksFile:  {Data: []byte(tasksDoc)},
			},
			wantMsg: "failed to parse agents.yaml",
		},
		{
			name: "tasks file with wrong shape",
			fsys: fstest.MapFS{
				AgentsFile: {Data: []byte(agentsDoc)},
				TasksFile:  {Data: []byte("- just\n- a list\n")},
			},
			wantMsg: "failed to parse tasks.yaml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.fsys)
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
			var cErr *cerr.Error
			require.True(t, errors.As(err, &cErr))
			assert.Equal(t, tt.wantMsg, cErr.Msg)
		})
	}
}

func TestLoad_EmptyDocuments(t *testing.T) {
	cfg, err := Load(fstest.MapFS{
		AgentsFile: {Data: []byte("")},
		TasksFile:  {Data: []byte("")},
	})
	require.NoError(t, err)
	assert.NotNil(t, cfg.Agents)
	assert.NotNil(t, cfg.Tasks)
	assert.Empty(t, cfg.Agents)
}

func TestConfig_MissingKey(t *testing.T) {
	cfg := &Config{Agents: map[string]AgentEntry{}, Tasks: map[string]TaskEntry{}}

	_, err := cfg.Agent("security_analyzer_agent")
	require.Error(t, err)
	var mk *MissingKeyError
	require.True(t, errors.As(err, &mk))
	assert.Equal(t, AgentsFile, mk.Document)
	assert.Equal(t, "security_analyzer_agent", mk.Key)
	assert.Contains(t, err.Error(), "security_analyzer_agent")
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))

	_, err = cfg.Task("documentation_review_task")
	require.True(t, errors.As(err, &mk))
	assert.Equal(t, TasksFile, mk.Document)
}

func TestDefaults(t *testing.T) {
	cfg, err := Defaults()
	require.NoError(t, err)

	for _, name := range []string{
		"bug_detector_agent",
		"security_analyzer_agent",
		"performance_analyzer_agent",
		"documentation_analyzer_agent",
	} {
		agent, err := cfg.Agent(name)
		require.NoError(t, err, name)
		assert.NotEmpty(t, agent.Role, name)
	}
	for _, name := range []string{
		"bug_detection_task",
		"security_analysis_task",
		"performance_analysis_task",
		"documentation_review_task",
	} {
		task, err := cfg.Task(name)
		require.NoError(t, err, name)
		assert.Contains(t, task.Description, "{code_content}", name)
	}

	raw, err := DefaultDocument(AgentsFile)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "bug_detector_agent:")
}

func TestLoadDir_NotADirectory(t *testing.T) {
	_, err := LoadDir(t.TempDir() + "/missing")
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
}
