package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/a-h/templ"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mediaConverter/internal/formats"
	"mediaConverter/internal/storage"
	"mediaConverter/internal/transcode"
	"mediaConverter/templates"
)

const (
	defaultMaxUploadBytes = 200 * 1024 * 1024
	defaultRequestTimeout = 10 * time.Minute
)

// Options holds the upload policy and plumbing settings of the HTTP surface.
type Options struct {
	MaxBodyBytes      int64
	MaxFileBytes      int64
	AllowedExtensions []string
	StaticDir         string
	RequestTimeout    time.Duration
}

type App struct {
	logger *slog.Logger

	router *chi.Mux
	stager *storage.Stager
	runner *transcode.Runner
	hub    *progressHub

	opts    Options
	allowed map[string]struct{}
}

func NewApp(logger *slog.Logger, stager *storage.Stager, runner *transcode.Runner, opts Options) *App {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxUploadBytes
	}
	if opts.MaxFileBytes <= 0 || opts.MaxFileBytes > opts.MaxBodyBytes {
		opts.MaxFileBytes = opts.MaxBodyBytes
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}

	allowed := make(map[string]struct{}, len(opts.AllowedExtensions))
	for _, ext := range opts.AllowedExtensions {
		allowed[strings.TrimPrefix(strings.ToLower(ext), ".")] = struct{}{}
	}

	app := &App{
		logger:  logger,
		router:  chi.NewRouter(),
		stager:  stager,
		runner:  runner,
		hub:     newProgressHub(logger),
		opts:    opts,
		allowed: allowed,
	}

	app.registerRoutes()
	return app
}

func (a *App) Router() http.Handler {
	return a.router
}

func (a *App) registerRoutes() {
	a.router.Use(middleware.RequestID)
	a.router.Use(middleware.RealIP)
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Timeout(a.opts.RequestTimeout))
	a.router.Use(a.corsMiddleware)

	a.router.Get("/", a.index)
	a.router.Post("/convert", a.convert)
	a.router.Get("/ws/{id}", a.hub.serve)
	a.router.Get("/healthz", a.health)
	a.router.Handle("/metrics", promhttp.Handler())

	if a.opts.StaticDir != "" {
		staticFS := http.FileServer(http.Dir(a.opts.StaticDir))
		a.router.Handle("/static/*", http.StripPrefix("/static/", staticFS))
	}
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "timestamp": time.Now().Format(time.RFC3339)})
}

func (a *App) index(w http.ResponseWriter, r *http.Request) {
	a.render(w, r, templates.IndexPage(formats.Known(), a.opts.MaxFileBytes))
}

func (a *App) render(w http.ResponseWriter, r *http.Request, component templ.Component) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := component.Render(r.Context(), w); err != nil {
		a.logger.Error("failed to render template", "error", err)
		http.Error(w, "failed to render page", http.StatusInternalServerError)
	}
}

func (a *App) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("failed to encode json", "error", err)
	}
}

func sanitizeFileName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
	if name == "" || name == "." || name == ".." {
		return "converted"
	}
	return name
}

func (a *App) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Disposition, X-Job-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
