package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"botfactory/internal/api"
	"botfactory/internal/config"
	"botfactory/internal/core"
	"botfactory/internal/logging"
	botmcp "botfactory/internal/mcp"
	"botfactory/internal/notify"
	"botfactory/internal/store"
	"botfactory/internal/taskfile"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	// stdout carries the MCP stdio protocol, so logs go to stderr there.
	logOut := os.Stdout
	if cfg.Mode != config.ModeHTTP {
		logOut = os.Stderr
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, logOut)

	if err := run(cfg, logger); err != nil {
		logger.Error("botfactoryd exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storeInst, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer storeInst.Close()
	if n, err := storeInst.InterruptRuns(ctx, time.Now()); err != nil {
		logger.Error("close interrupted runs", "err", err)
	} else if n > 0 {
		logger.Warn("closed runs interrupted by a previous shutdown", "count", n)
	}

	location := time.Local
	if cfg.Scheduler.UseUTC {
		location = time.UTC
	}

	tasks := taskfile.New(cfg.TasksFile, logger)
	executor := core.NewScriptExecutor(storeInst, logger, core.ExecutorOptions{
		BotsRoot:     cfg.BotsDir,
		Interpreters: cfg.Scheduler.Interpreters,
		Notifier:     buildNotifier(cfg, logger),
	})

	// Executions get their own context: a signal stops the clock first and
	// lets in-flight runs finish within the shutdown grace.
	execCtx, cancelExec := context.WithCancel(context.Background())
	defer cancelExec()
	scheduler := core.NewScheduler(core.NewRegistry(), tasks, storeInst, executor, logger, core.SchedulerOptions{
		Location:    location,
		RunNowGrace: cfg.Scheduler.RunNowGrace,
		ExecContext: execCtx,
	})
	if cfg.Scheduler.Disabled {
		logger.Warn("scheduler disabled, tasks only run on demand")
	} else {
		scheduler.Start(execCtx)
	}
	if err := scheduler.Reload(ctx); err != nil {
		logger.Error("initial task load", "path", tasks.Path(), "err", err)
	}

	mcpServer := botmcp.NewMCPServer(storeInst, scheduler, logger)
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Mode == config.ModeHTTP || cfg.Mode == config.ModeBoth {
		server := api.NewServer(api.Options{
			Addr:       cfg.Server.Addr,
			AuthUser:   cfg.Server.AuthUser,
			AuthPass:   cfg.Server.AuthPass,
			AuthToken:  cfg.Server.AuthToken,
			StaticDir:  cfg.Server.StaticDir,
			MCPHandler: mcpServer.HTTPHandler(),
			TaskFile:   tasks,
			Scripts:    executor,
		}, storeInst, scheduler, logger)

		g.Go(func() error {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownGrace)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("server shutdown", "err", err)
			}
			return nil
		})
	}

	if cfg.Mode == config.ModeMCP || cfg.Mode == config.ModeBoth {
		g.Go(func() error {
			err := mcpServer.ServeStdio(gctx, os.Stdin, os.Stdout)
			if err != nil {
				return fmt.Errorf("mcp stdio: %w", err)
			}
			if cfg.Mode == config.ModeMCP {
				// The client closed stdin; nothing else is serving.
				stop()
			}
			return nil
		})
	}

	if cfg.Scheduler.WatchTasks {
		g.Go(func() error {
			return tasks.Watch(gctx, func() error {
				return scheduler.Reload(gctx)
			})
		})
	}

	err = g.Wait()
	logger.Info("shutting down")

	stopped := scheduler.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(cfg.Scheduler.ShutdownGrace):
		logger.Warn("scheduler stop timed out, killing running tasks")
		cancelExec()
		<-stopped.Done()
	}
	logger.Info("shutdown complete")
	return err
}

func buildNotifier(cfg *config.Config, logger *slog.Logger) core.Notifier {
	if !cfg.Notification.Bark.Enabled {
		return &notify.NoOpNotifier{}
	}
	bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
	if err != nil {
		logger.Warn("bark notifications disabled", "err", err)
		return &notify.NoOpNotifier{}
	}
	logger.Info("bark notifications enabled")
	return notify.NewMultiNotifier(bark)
}
