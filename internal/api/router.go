package api

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"botfactory/internal/core"
	"botfactory/internal/store"
)

// TaskFile is the editable task definition document.
type TaskFile interface {
	Remove(name string) (bool, error)
}

// ScriptResolver maps a script reference to a file under the bots root.
type ScriptResolver interface {
	ResolveScript(script string) (string, error)
}

// Options configures the HTTP surface.
type Options struct {
	Addr      string
	AuthUser  string
	AuthPass  string
	AuthToken string
	// StaticDir, when set, is served at / with index.html as the fallback for unknown paths.
	StaticDir string
	// MCPHandler, when set, is mounted at /mcp behind the same authentication.
	MCPHandler http.Handler
	TaskFile   TaskFile
	Scripts    ScriptResolver
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	store      *store.Store
	scheduler  *core.Scheduler
	taskFile   TaskFile
	scripts    ScriptResolver
	logger     *slog.Logger
	opts       Options
}

// NewServer constructs the HTTP API server.
func NewServer(opts Options, store *store.Store, scheduler *core.Scheduler, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		store:     store,
		scheduler: scheduler,
		taskFile:  opts.TaskFile,
		scripts:   opts.Scripts,
		logger:    logger,
		opts:      opts,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/health", s.handleHealth)

	auth := AuthMiddleware(s.opts.AuthUser, s.opts.AuthPass, s.opts.AuthToken)

	if s.opts.MCPHandler != nil {
		s.router.With(auth).Handle("/mcp", s.opts.MCPHandler)
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Use(auth)

		r.Post("/cron/preview", s.handleCronPreview)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/status", s.handleTasksStatus)
			r.Post("/reload", s.handleReloadTasks)
			r.Route("/{name}", func(r chi.Router) {
				r.Delete("/", s.handleDeleteTask)
				r.Post("/run", s.handleRunTask)
				r.Post("/enable", s.handleEnableTask)
			})
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Delete("/", s.handleClearRuns)
			r.Get("/{runID}", s.handleGetRun)
			r.Delete("/{runID}", s.handleDeleteRun)
		})

		r.Route("/bots", func(r chi.Router) {
			r.Get("/", s.handleListBots)
			r.Post("/", s.handleSaveBot)
			r.Get("/{name}", s.handleGetBot)
			r.Delete("/{name}", s.handleDeleteBot)
		})
	})

	if s.opts.StaticDir != "" {
		s.router.With(auth).Get("/*", s.handleStatic(s.opts.StaticDir))
	}
}

// handleStatic serves files from dir and falls back to index.html so client-side
// routes resolve. Paths escaping dir also get the index.
func (s *Server) handleStatic(dir string) http.HandlerFunc {
	root, err := filepath.Abs(dir)
	if err != nil {
		root = dir
	}
	index := filepath.Join(root, "index.html")
	return func(w http.ResponseWriter, r *http.Request) {
		rel := strings.TrimPrefix(filepath.Clean("/"+r.URL.Path), "/")
		full := filepath.Join(root, filepath.FromSlash(rel))
		if rel != "" && (full == root || strings.HasPrefix(full, root+string(filepath.Separator))) {
			if info, err := os.Stat(full); err == nil && info.Mode().IsRegular() {
				http.ServeFile(w, r, full)
				return
			}
		}
		if _, err := os.Stat(index); err != nil {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, index)
	}
}
