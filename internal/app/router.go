package app

import (
	"context"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/verdant-pos/verdant/internal/auth"
	"github.com/verdant-pos/verdant/internal/observability"
	"github.com/verdant-pos/verdant/internal/platform/httpx"
	"github.com/verdant-pos/verdant/internal/rma"
	"github.com/verdant-pos/verdant/jobs"
	"github.com/verdant-pos/verdant/web"
)

// ReadinessCheck is a named readiness check run by /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger      *slog.Logger
	Config      *Config
	AuthHandler *auth.Handler
	RMAHandler  *rma.Handler
	JobHandler  *jobs.Handler
	Metrics     *observability.Metrics
	Readiness   []ReadinessCheck
	// ReadinessTimeout bounds the whole readiness fan-out; zero uses 3s.
	ReadinessTimeout time.Duration
}

// NewRouter constructs the chi.Router with Verdant defaults.
func NewRouter(params RouterParams) http.Handler {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readinessHandler(logger, params.Readiness, params.ReadinessTimeout))

	r.Route("/api/v1", func(r chi.Router) {
		if params.AuthHandler != nil {
			r.Use(params.AuthHandler.Middleware)
			r.Route("/auth", params.AuthHandler.MountRoutes)
		}
		if params.RMAHandler != nil {
			r.Route("/rmas", params.RMAHandler.MountRoutes)
		}
		if params.JobHandler != nil {
			r.With(auth.RequireSession).Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	staticFS, err := fs.Sub(web.Static, "static")
	if err != nil {
		logger.Error("create static sub filesystem", slog.Any("error", err))
	} else {
		fileServer := http.StripPrefix("/static/", http.FileServer(http.FS(staticFS)))
		r.Handle("/static/*", staticCacheHandler(fileServer))
	}

	return r
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readiness struct {
	Status string        `json:"status"`
	Checks []checkResult `json:"checks"`
}

// readinessHandler runs every readiness check concurrently. Any failure answers 503
// with the per-check results.
func readinessHandler(logger *slog.Logger, checks []ReadinessCheck, timeout time.Duration) http.HandlerFunc {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		results := make([]checkResult, len(checks))
		var g errgroup.Group
		for i, check := range checks {
			g.Go(func() error {
				results[i] = checkResult{Name: check.Name, Status: "ok"}
				if check.Check == nil {
					return nil
				}
				if err := check.Check(ctx); err != nil {
					results[i].Status = "down"
					results[i].Error = err.Error()
					return err
				}
				return nil
			})
		}

		out := readiness{Status: "ready", Checks: results}
		status := http.StatusOK
		if err := g.Wait(); err != nil {
			logger.Warn("readiness check failed", slog.Any("error", err))
			out.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}
		httpx.JSON(w, status, out)
	}
}

func init() {
	// Minimal containers ship without /etc/mime.types.
	for ext, typ := range map[string]string{
		".css": "text/css; charset=utf-8",
		".pdf": "application/pdf",
	} {
		if mime.TypeByExtension(ext) == "" {
			_ = mime.AddExtensionType(ext, typ)
		}
	}
}

// staticCacheHandler wraps a file server with Cache-Control headers.
func staticCacheHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		next.ServeHTTP(w, r)
	})
}
