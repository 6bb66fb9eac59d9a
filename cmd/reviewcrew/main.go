package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"

	"github.com/kazz187/reviewcrew/internal/crew"
	"github.com/kazz187/reviewcrew/internal/crewconfig"
	"github.com/kazz187/reviewcrew/internal/engine/claude"
	"github.com/kazz187/reviewcrew/internal/report"
	"github.com/kazz187/reviewcrew/pkg/cerr"
	"github.com/kazz187/reviewcrew/pkg/clog"
	agentcolor "github.com/kazz187/reviewcrew/pkg/color"
	"github.com/kazz187/reviewcrew/pkg/storage"
)

var (
	app       = kingpin.New("reviewcrew", "Multi-agent code review for Python files")
	configDir = app.Flag("config", "Directory holding agents.yaml and tasks.yaml (embedded defaults when empty)").Envar("REVIEWCREW_CONFIG_DIR").String()
	logLevel  = app.Flag("log-level", "Log level").Default("info").Enum("debug", "info", "warn", "error")

	reviewCmd      = app.Command("review", "Review a Python file")
	reviewFile     = reviewCmd.Arg("file", "Path to the .py file").Required().String()
	reviewOutput   = reviewCmd.Flag("output", "Directory for the generated reports").Short('o').Default("output").String()
	reviewWorkDir  = reviewCmd.Flag("work-dir", "Working directory for Claude").Envar("REVIEWCREW_CLAUDE_WORK_DIR").String()
	reviewMaxTurns = reviewCmd.Flag("max-turns", "Maximum Claude turns per task").Envar("REVIEWCREW_CLAUDE_MAX_TURNS").Default("1").Int()
	reviewPermMode = reviewCmd.Flag("permission-mode", "Claude permission mode").Envar("REVIEWCREW_CLAUDE_PERMISSION_MODE").String()
	reviewPlain    = reviewCmd.Flag("plain", "Print the report as raw markdown").Bool()

	validateCmd = app.Command("validate", "Validate the configuration and print the execution plan")

	initCmd   = app.Command("init", "Write the default configuration documents to a directory")
	initDir   = initCmd.Arg("dir", "Target directory").Required().String()
	initForce = initCmd.Flag("force", "Overwrite existing documents").Bool()
)

var (
	bold   = color.New(color.Bold)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	faint  = color.New(color.Faint)
	cyan   = color.New(color.FgCyan)
	errOut = color.Error
	stdOut = color.Output
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	var level slog.Level
	_ = level.UnmarshalText([]byte(*logLevel))
	slog.SetDefault(slog.New(clog.NewAttributesHandler(clog.NewTextHandler(os.Stderr, clog.WithLevel(level)))))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch command {
	case reviewCmd.FullCommand():
		err = runReview(ctx)
	case validateCmd.FullCommand():
		err = runValidate()
	case initCmd.FullCommand():
		err = runInit()
	}
	if err != nil {
		if ctx.Err() != nil {
			err = errors.Join(context.Canceled, err)
		}
		os.Exit(exitStatus(err))
	}
}

// exitStatus prints err and returns the process exit status for it.
func exitStatus(err error) int {
	code := cerr.CodeOf(err)
	var pe *crew.PersistError
	switch {
	case code == cerr.Canceled:
		yellow.Fprintln(errOut, "\nInterrupted.")
	case errors.As(err, &pe):
		yellow.Fprintf(errOut, "Warning: %v\n", pe)
	default:
		red.Fprintf(errOut, "Error: %v\n", err)
	}
	return code.ExitCode()
}

func loadConfig(graph crew.Graph) (crewconfig.Source, error) {
	var (
		cfg *crewconfig.Config
		err error
	)
	if *configDir == "" {
		cfg, err = crewconfig.Defaults()
	} else {
		cfg, err = crewconfig.LoadDir(*configDir)
	}
	if err != nil {
		return nil, err
	}
	if err := graph.ValidateAgainst(cfg); err != nil {
		return nil, err
	}
	return crewconfig.Static{Config: cfg}, nil
}

func runReview(ctx context.Context) error {
	// Input errors are reported before anything else is built.
	input, err := crew.InputFromFile(*reviewFile)
	if err != nil {
		return err
	}
	graph := crew.DefaultGraph()
	source, err := loadConfig(graph)
	if err != nil {
		return err
	}
	store, err := storage.NewLocalStorage(*reviewOutput)
	if err != nil {
		return cerr.NewError(cerr.FailedPrecondition, "cannot use output directory", err)
	}

	bold.Fprintln(stdOut, "Code Review Crew")
	fmt.Fprintf(stdOut, "  File:   %s (%d lines)\n", input.Path, input.TotalLines())
	fmt.Fprintf(stdOut, "  Output: %s\n\n", store.BasePath())

	engine := claude.New(
		claude.WithWorkDir(*reviewWorkDir),
		claude.WithMaxTurns(*reviewMaxTurns),
		claude.WithPermissionMode(*reviewPermMode),
	)
	c := crew.New(source, progressExecutor{engine}, crew.WithGraph(graph), crew.WithPersister(report.NewPersister(store)))

	outcome, runErr := c.Run(ctx, "", input)
	if outcome == nil {
		return runErr
	}

	fmt.Fprintln(stdOut)
	bold.Fprintln(stdOut, "Final report")
	fmt.Fprintln(stdOut, strings.Repeat("=", 60))
	fmt.Fprintln(stdOut, renderMarkdown(outcome.Result.Raw))
	fmt.Fprintln(stdOut, strings.Repeat("=", 60))
	if outcome.Location != nil {
		green.Fprintf(stdOut, "Report saved to %s\n", filepath.Join(store.BasePath(), outcome.Location.ReportPath))
		faint.Fprintf(stdOut, "Raw output saved to %s\n", filepath.Join(store.BasePath(), outcome.Location.RawPath))
	}
	return runErr
}

// renderMarkdown styles the report for the terminal, falling back to the raw
// markdown when colour is off or rendering fails.
func renderMarkdown(md string) string {
	if *reviewPlain || color.NoColor {
		return md
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}

// progressExecutor prints one line per task around the wrapped executor.
type progressExecutor struct {
	next crew.Executor
}

func (p progressExecutor) Execute(ctx context.Context, agents []*crew.Agent, tasks []*crew.Task) (*crew.Result, error) {
	for i, t := range tasks {
		fmt.Fprintf(stdOut, "%s ", cyan.Sprintf("%d/%d", i+1, len(tasks)))
		agentcolor.Fprintln(stdOut, t.Agent.Name, t.Name+" "+faint.Sprintf("(%s)", strings.TrimSpace(t.Agent.Role)))
		prev := t.Callback
		t.Callback = func(out crew.TaskOutput) {
			agentcolor.Fprintln(stdOut, out.Agent, green.Sprintf("done: %s", out.Task))
			if prev != nil {
				prev(out)
			}
		}
	}
	fmt.Fprintln(stdOut)
	return p.next.Execute(ctx, agents, tasks)
}

func runValidate() error {
	graph := crew.DefaultGraph()
	if _, err := loadConfig(graph); err != nil {
		return err
	}
	order, err := graph.TopologicalOrder()
	if err != nil {
		return err
	}
	source := "embedded defaults"
	if *configDir != "" {
		source = *configDir
	}
	green.Fprintf(stdOut, "Configuration OK (%s)\n\n", source)
	bold.Fprintln(stdOut, "Execution plan")
	for i, n := range order {
		fmt.Fprintf(stdOut, "  %d. %s ", i+1, n.Name)
		faint.Fprintf(stdOut, "agent=%s", n.Agent)
		if len(n.DependsOn) > 0 {
			faint.Fprintf(stdOut, " context=[%s]", strings.Join(n.DependsOn, ", "))
		}
		fmt.Fprintln(stdOut)
	}
	return nil
}

func runInit() error {
	if err := os.MkdirAll(*initDir, 0o755); err != nil {
		return cerr.NewError(cerr.FailedPrecondition, fmt.Sprintf("cannot create %s", *initDir), err)
	}
	for _, name := range []string{crewconfig.AgentsFile, crewconfig.TasksFile} {
		path := filepath.Join(*initDir, name)
		if _, err := os.Stat(path); err == nil && !*initForce {
			return cerr.NewError(cerr.AlreadyExists, fmt.Sprintf("%s already exists (use --force to overwrite)", path), nil)
		}
		data, err := crewconfig.DefaultDocument(name)
		if err != nil {
			return cerr.NewError(cerr.Internal, "failed to read embedded configuration", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return cerr.NewError(cerr.Internal, fmt.Sprintf("failed to write %s", path), err)
		}
		green.Fprintf(stdOut, "wrote %s\n", path)
	}
	return nil
}
