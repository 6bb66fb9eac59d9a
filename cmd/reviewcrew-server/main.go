package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	server "github.com/kazz187/reviewcrew/internal"
	"github.com/kazz187/reviewcrew/internal/config"
	"github.com/kazz187/reviewcrew/internal/crew"
	"github.com/kazz187/reviewcrew/internal/crewconfig"
	"github.com/kazz187/reviewcrew/internal/engine/claude"
	"github.com/kazz187/reviewcrew/internal/eventbus"
	"github.com/kazz187/reviewcrew/internal/github"
	"github.com/kazz187/reviewcrew/internal/report"
	reportrepo "github.com/kazz187/reviewcrew/internal/report/repositoryimpl"
	"github.com/kazz187/reviewcrew/internal/review"
	"github.com/kazz187/reviewcrew/pkg/clog"
	"github.com/kazz187/reviewcrew/pkg/panicerr"
	"github.com/kazz187/reviewcrew/pkg/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}

	// Setup logger
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	if env.LogDir != "" {
		logFile, err := clog.OpenDailyLogFile(env.LogDir, "reviewcrew", time.Now())
		if err != nil {
			slog.Error("failed to open log file", "error", err)
			os.Exit(1)
		}
		defer logFile.Close()
		handler = clog.NewFanoutHandler(handler, slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: level}))
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	// Graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// Setup storage
	var store storage.Storage
	switch env.StorageEnv.Type {
	case "s3":
		store, err = storage.NewS3Storage(ctx, env.StorageEnv.S3Bucket, env.StorageEnv.S3Prefix, env.StorageEnv.S3Region)
		if err != nil {
			slog.Error("failed to create S3 storage", "error", err)
			os.Exit(1)
		}
	default:
		store, err = storage.NewLocalStorage(env.StorageEnv.BaseDir)
		if err != nil {
			slog.Error("failed to create local storage", "error", err)
			os.Exit(1)
		}
	}

	// Setup crew configuration
	graph := crew.DefaultGraph()
	var (
		source  crewconfig.Source
		watcher *crewconfig.Watcher
	)
	if env.ConfigDir != "" {
		watcher, err = crewconfig.NewWatcher(env.ConfigDir, graph.ValidateAgainst)
		if err != nil {
			slog.Error("failed to load crew configuration", "dir", env.ConfigDir, "error", err)
			os.Exit(1)
		}
		source = watcher
	} else {
		cfg, err := crewconfig.Defaults()
		if err == nil {
			err = graph.ValidateAgainst(cfg)
		}
		if err != nil {
			slog.Error("failed to load default crew configuration", "error", err)
			os.Exit(1)
		}
		source = crewconfig.Static{Config: cfg}
	}

	bus := eventbus.New()
	engine := claude.New(
		claude.WithWorkDir(env.ClaudeEnv.WorkDir),
		claude.WithMaxTurns(env.ClaudeEnv.MaxTurns),
		claude.WithPermissionMode(env.ClaudeEnv.PermissionMode),
	)
	reviewCrew := crew.New(source, engine,
		crew.WithGraph(graph),
		crew.WithPersister(report.NewPersister(store)),
		crew.WithEventBus(bus),
	)

	reviewServer := review.NewServer(
		reviewCrew,
		reportrepo.NewYAMLRepository(store),
		store,
		github.GitCloner{},
		bus,
		review.Limits{
			MaxUploadSize:        env.MaxUploadSize,
			GitHubDefaultFiles:   env.GitHubDefaultFiles,
			GitHubMaxFiles:       env.GitHubMaxFiles,
			MaxConcurrentReviews: env.MaxConcurrentReviews,
		},
	)
	srv := server.NewServer(env, reviewServer)

	g, gctx := errgroup.WithContext(ctx)
	if watcher != nil {
		// A dead watcher only stops hot reload; the last good config keeps serving.
		g.Go(func() error {
			if err := panicerr.SafeContext(watcher.Run)(gctx); err != nil {
				slog.Error("config watcher stopped", "dir", watcher.Dir(), "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := srv.ListenAndServe(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
