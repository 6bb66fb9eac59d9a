package crew

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/reviewcrew/internal/crewconfig"
	"github.com/kazz187/reviewcrew/internal/eventbus"
	"github.com/kazz187/reviewcrew/internal/report"
	"github.com/kazz187/reviewcrew/pkg/cerr"
	"github.com/kazz187/reviewcrew/pkg/storage"
)

type fakeExecutor struct {
	mu     sync.Mutex
	calls  int
	agents []*Agent
	tasks  []*Task
	err    error
}

func (f *fakeExecutor) Execute(_ context.Context, agents []*Agent, tasks []*Task) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.agents = agents
	f.tasks = tasks
	if f.err != nil {
		return nil, f.err
	}
	res := &Result{}
	for _, t := range tasks {
		out := TaskOutput{Task: t.Name, Agent: t.Agent.Name, Raw: "output of " + t.Name}
		res.TaskOutputs = append(res.TaskOutputs, out)
		res.Raw = out.Raw
		if t.Callback != nil {
			t.Callback(out)
		}
	}
	return res, nil
}

type fakePersister struct {
	err      error
	fileName string
	raw      string
}

func (f *fakePersister) Save(_ context.Context, fileName string, result any) (*report.Location, error) {
	f.fileName = fileName
	f.raw = report.RawText(result)
	if f.err != nil {
		return nil, f.err
	}
	return &report.Location{ReportPath: "r.md", RawPath: "r.txt"}, nil
}

func defaultConfig(t *testing.T) *crewconfig.Config {
	t.Helper()
	cfg, err := crewconfig.Defaults()
	require.NoError(t, err)
	return cfg
}

func taskNames(tasks []*Task) []string {
	names := make([]string, len(tasks))
	for i, t := range tasks {
		names[i] = t.Name
	}
	return names
}

var fixedNow = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

func TestBuildTasks_ContextIsDeclaredUpstream(t *testing.T) {
	cfg := defaultConfig(t)
	agents, err := BuildAgents(cfg)
	require.NoError(t, err)

	tasks, err := BuildTasks(cfg, agents, DefaultGraph(), InputFromContent("app.py", "print('hi')\n"), fixedNow)
	require.NoError(t, err)

	assert.Equal(t, []string{BugDetectionTask, SecurityAnalysisTask, PerformanceAnalysisTask, DocumentationReviewTask}, taskNames(tasks))
	assert.Empty(t, tasks[0].Context)
	assert.Equal(t, []string{BugDetectionTask}, taskNames(tasks[1].Context))
	assert.Equal(t, []string{BugDetectionTask, SecurityAnalysisTask}, taskNames(tasks[2].Context))
	assert.Equal(t, []string{BugDetectionTask, SecurityAnalysisTask, PerformanceAnalysisTask}, taskNames(tasks[3].Context))

	// context entries are the same rendered task values, not copies
	assert.Same(t, tasks[0], tasks[3].Context[0])
	assert.Same(t, agents[DocumentationAnalyzerAgent], tasks[3].Agent)
}

func TestBuildTasks_RendersPlaceholders(t *testing.T) {
	cfg := &crewconfig.Config{
		Tasks: map[string]crewconfig.TaskEntry{
			BugDetectionTask: {
				Description:    "{code_file_name}|{code_file_path}|{total_lines}|{datetime}|{{literal}}|{code_content}",
				ExpectedOutput: "keep {braces} as they are",
			},
		},
	}
	agents := map[string]*Agent{BugDetectorAgent: {Name: BugDetectorAgent}}
	graph := Graph{Nodes: []TaskNode{{Name: BugDetectionTask, Agent: BugDetectorAgent}}}

	tasks, err := BuildTasks(cfg, agents, graph, InputFromContent("GITHUB_REPO", "a = {}\nb = 1"), fixedNow)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "GITHUB_REPO|GITHUB_REPO|2|2024-05-06 07:08:09|{literal}|a = {}\nb = 1", tasks[0].Description)
	assert.Equal(t, "keep {braces} as they are", tasks[0].ExpectedOutput)
}

func TestBuildTasks_EmptyCode(t *testing.T) {
	cfg := defaultConfig(t)
	agents, err := BuildAgents(cfg)
	require.NoError(t, err)

	tasks, err := BuildTasks(cfg, agents, DefaultGraph(), InputFromContent("empty.py", ""), fixedNow)
	require.NoError(t, err)
	assert.Contains(t, tasks[0].Description, "(0 lines)")
}

func TestBuildTasks_DeterministicExceptTimestamp(t *testing.T) {
	cfg := defaultConfig(t)
	agents, err := BuildAgents(cfg)
	require.NoError(t, err)
	input := InputFromContent("app.py", "x = 1\n")

	first, err := BuildTasks(cfg, agents, DefaultGraph(), input, fixedNow)
	require.NoError(t, err)
	later := fixedNow.Add(time.Hour)
	second, err := BuildTasks(cfg, agents, DefaultGraph(), input, later)
	require.NoError(t, err)

	for i := range first {
		want := strings.ReplaceAll(first[i].Description, fixedNow.Format(DateTimeLayout), later.Format(DateTimeLayout))
		assert.Equal(t, want, second[i].Description, first[i].Name)
		assert.Equal(t, first[i].ExpectedOutput, second[i].ExpectedOutput)
	}
}

func TestBuildTasks_MissingTemplate(t *testing.T) {
	cfg := defaultConfig(t)
	delete(cfg.Tasks, PerformanceAnalysisTask)
	agents, err := BuildAgents(cfg)
	require.NoError(t, err)

	tasks, err := BuildTasks(cfg, agents, DefaultGraph(), InputFromContent("app.py", ""), fixedNow)
	require.Error(t, err)
	assert.Nil(t, tasks)
	var mk *crewconfig.MissingKeyError
	require.True(t, errors.As(err, &mk))
	assert.Equal(t, PerformanceAnalysisTask, mk.Key)
}

func TestBuildTasks_UnknownPlaceholder(t *testing.T) {
	cfg := defaultConfig(t)
	entry := cfg.Tasks[SecurityAnalysisTask]
	entry.Description = "Review {code_flie_name}"
	cfg.Tasks[SecurityAnalysisTask] = entry
	agents, err := BuildAgents(cfg)
	require.NoError(t, err)

	_, err = BuildTasks(cfg, agents, DefaultGraph(), InputFromContent("app.py", ""), fixedNow)
	require.Error(t, err)
	var te *TemplateError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, SecurityAnalysisTask, te.Task)
	assert.Contains(t, te.Reason, "code_flie_name")
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
}

func TestBuildAgents(t *testing.T) {
	t.Run("defaults for absent flags", func(t *testing.T) {
		cfg := defaultConfig(t)
		entry := cfg.Agents[BugDetectorAgent]
		entry.Verbose, entry.AllowDelegation, entry.Memory = nil, nil, nil
		cfg.Agents[BugDetectorAgent] = entry

		agents, err := BuildAgents(cfg)
		require.NoError(t, err)
		require.Len(t, agents, 4)
		a := agents[BugDetectorAgent]
		assert.Equal(t, BugDetectorAgent, a.Name)
		assert.Equal(t, entry.Role, a.Role)
		assert.True(t, a.Verbose)
		assert.False(t, a.AllowDelegation)
		assert.True(t, a.Memory)
	})

	t.Run("explicit false is kept", func(t *testing.T) {
		f := false
		cfg := defaultConfig(t)
		entry := cfg.Agents[SecurityAnalyzerAgent]
		entry.Verbose, entry.Memory = &f, &f
		cfg.Agents[SecurityAnalyzerAgent] = entry

		agents, err := BuildAgents(cfg)
		require.NoError(t, err)
		assert.False(t, agents[SecurityAnalyzerAgent].Verbose)
		assert.False(t, agents[SecurityAnalyzerAgent].Memory)
	})

	t.Run("missing agent", func(t *testing.T) {
		cfg := defaultConfig(t)
		delete(cfg.Agents, SecurityAnalyzerAgent)

		agents, err := BuildAgents(cfg)
		require.Error(t, err)
		assert.Nil(t, agents)
		assert.Contains(t, err.Error(), SecurityAnalyzerAgent)
		var mk *crewconfig.MissingKeyError
		require.True(t, errors.As(err, &mk))
		assert.Equal(t, crewconfig.AgentsFile, mk.Document)
	})
}

func TestInputFromFile(t *testing.T) {
	dir := t.TempDir()
	pyPath := filepath.Join(dir, "app.py")
	require.NoError(t, os.WriteFile(pyPath, []byte("a = 1\nb = 2\n"), 0o644))
	txtPath := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txtPath, []byte("hello"), 0o644))

	t.Run("python file", func(t *testing.T) {
		in, err := InputFromFile(pyPath)
		require.NoError(t, err)
		assert.True(t, filepath.IsAbs(in.Path))
		assert.Equal(t, "app.py", in.Name)
		assert.Equal(t, 2, in.TotalLines())
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := InputFromFile(filepath.Join(dir, "missing.py"))
		assert.True(t, cerr.IsCode(err, cerr.NotFound))
	})

	t.Run("wrong extension", func(t *testing.T) {
		_, err := InputFromFile(txtPath)
		require.Error(t, err)
		assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
		var cErr *cerr.Error
		require.True(t, errors.As(err, &cErr))
		assert.Len(t, cErr.Details, 1)
	})

	t.Run("directory", func(t *testing.T) {
		_, err := InputFromFile(dir)
		assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
	})
}

func TestCheckExtension(t *testing.T) {
	for _, name := range []string{"app.py", "pkg/app.py", ".py"} {
		assert.NoError(t, CheckExtension(name), name)
	}
	for _, name := range []string{"APP.PY", "app.Py", "app.pyc", "app.py.txt", "app", ""} {
		err := CheckExtension(name)
		assert.True(t, cerr.IsCode(err, cerr.InvalidArgument), name)
	}
}

func TestInput_TotalLines(t *testing.T) {
	tests := []struct {
		content string
		want    int
	}{
		{"", 0},
		{"x", 1},
		{"x\n", 1},
		{"x\ny", 2},
		{"x\ny\n", 2},
		{"\n", 1},
		{"\n\n", 2},
		{"a\rb", 2},
		{"a\r\nb\r\n", 2},
		{"a\r\rb", 3},
		{"a\fb", 2},
		{"a\vb\x1cc", 3},
		{"a\u0085b", 2},
		{"a\u2028b\u2029", 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InputFromContent("a.py", tt.content).TotalLines(), "%q", tt.content)
	}
}

func TestCrew_Run(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExecutor{}
	persister := &fakePersister{}
	bus := eventbus.New()
	subID, events := bus.Subscribe(16)
	defer bus.Unsubscribe(subID)

	c := New(crewconfig.Static{Config: defaultConfig(t)}, exec,
		WithPersister(persister),
		WithEventBus(bus),
		WithClock(func() time.Time { return fixedNow }),
	)

	out, err := c.Run(ctx, "R1", InputFromContent("app.py", "print(1)\n"))
	require.NoError(t, err)
	assert.Equal(t, "R1", out.ReviewID)
	assert.Equal(t, "output of "+DocumentationReviewTask, out.Result.Raw)
	require.NotNil(t, out.Location)
	assert.Equal(t, "r.md", out.Location.ReportPath)

	assert.Equal(t, 1, exec.calls)
	assert.Len(t, exec.agents, 4)
	assert.Len(t, exec.tasks, 4)
	assert.Equal(t, "app.py", persister.fileName)
	assert.Equal(t, out.Result.Raw, persister.raw)

	var types []eventbus.EventType
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []eventbus.EventType{
		eventbus.EventReviewStarted,
		eventbus.EventTaskCompleted,
		eventbus.EventTaskCompleted,
		eventbus.EventTaskCompleted,
		eventbus.EventTaskCompleted,
		eventbus.EventReviewCompleted,
	}, types)
}

func TestCrew_RunExecutionErrorUnchanged(t *testing.T) {
	execErr := errors.New("model unavailable")
	persister := &fakePersister{}
	c := New(crewconfig.Static{Config: defaultConfig(t)}, &fakeExecutor{err: execErr}, WithPersister(persister))

	out, err := c.Run(context.Background(), "", InputFromContent("app.py", ""))
	assert.Nil(t, out)
	assert.Same(t, execErr, err)
	assert.Empty(t, persister.fileName)
}

type panickingExecutor struct{}

func (panickingExecutor) Execute(context.Context, []*Agent, []*Task) (*Result, error) {
	panic("executor blew up")
}

func TestCrew_RunExecutorPanic(t *testing.T) {
	persister := &fakePersister{}
	c := New(crewconfig.Static{Config: defaultConfig(t)}, panickingExecutor{}, WithPersister(persister))

	out, err := c.Run(context.Background(), "", InputFromContent("app.py", ""))
	assert.Nil(t, out)
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.Internal))
	assert.Contains(t, err.Error(), "executor blew up")
	assert.Empty(t, persister.fileName)
}

func TestCrew_RunConfigErrorBeforeExecution(t *testing.T) {
	cfg := defaultConfig(t)
	delete(cfg.Agents, DocumentationAnalyzerAgent)
	exec := &fakeExecutor{}
	c := New(crewconfig.Static{Config: cfg}, exec)

	_, err := c.Run(context.Background(), "", InputFromContent("app.py", ""))
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
	assert.Equal(t, 0, exec.calls)
}

func TestCrew_RunPersistFailureKeepsResult(t *testing.T) {
	saveErr := errors.New("bucket gone")
	c := New(crewconfig.Static{Config: defaultConfig(t)}, &fakeExecutor{}, WithPersister(&fakePersister{err: saveErr}))

	out, err := c.Run(context.Background(), "", InputFromContent("app.py", "x = 1"))
	require.Error(t, err)
	var pe *PersistError
	require.True(t, errors.As(err, &pe))
	assert.ErrorIs(t, err, saveErr)
	require.NotNil(t, out)
	assert.NotEmpty(t, out.ReviewID)
	assert.Equal(t, "output of "+DocumentationReviewTask, out.Result.Raw)
	assert.Nil(t, out.Location)
}

func TestCrew_RunWithPersisterRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	persister := report.NewPersister(st).WithClock(func() time.Time { return fixedNow })
	c := New(crewconfig.Static{Config: defaultConfig(t)}, &fakeExecutor{}, WithPersister(persister))

	out, err := c.Run(ctx, "", InputFromContent("app.py", "x = 1"))
	require.NoError(t, err)

	md, err := st.Read(ctx, out.Location.ReportPath)
	require.NoError(t, err)
	assert.Equal(t, out.Result.Raw, report.Body(string(md)))
}
