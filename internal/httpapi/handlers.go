package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"shopfloor.dev/internal/auth"
	"shopfloor.dev/internal/catalog"
	"shopfloor.dev/internal/obs"
	"shopfloor.dev/internal/stream"
	"shopfloor.dev/internal/workflow"
)

const serviceName = "shopfloor-api"

// Pinger is implemented by stores that can report liveness of their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks that the store answers.
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// Options tunes the HTTP surface.
type Options struct {
	Version        string
	Logger         zerolog.Logger
	CORSOrigins    []string
	RateBurst      int
	RatePerSec     float64
	LoginPerMinute int
	MaxBodyBytes   int64
	// Events feeds /v1/events; nil disables the endpoint.
	Events *stream.Stream
}

// API is the HTTP/JSON adapter over the credential store and workflow engine.
type API struct {
	router     chi.Router
	auth       *auth.Service
	engine     *workflow.Engine
	templates  *catalog.Catalog
	readyProbe ReadyProbe
	opts       Options
}

// New wires routes and middleware.
func New(authSvc *auth.Service, engine *workflow.Engine, templates *catalog.Catalog, rp ReadyProbe, opts Options) *API {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	a := &API{
		auth:       authSvc,
		engine:     engine,
		templates:  templates,
		readyProbe: rp,
		opts:       opts,
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(obs.Instrument)
	r.Use(RequestLogger(a.opts.Logger))
	r.Use(Recoverer(a.opts.Logger))
	r.Use(SecurityHeaders)
	if len(a.opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: a.opts.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         600,
		}))
	}
	if a.opts.RatePerSec > 0 {
		r.Use(RateLimit(a.opts.RateBurst, a.opts.RatePerSec))
	}
	r.Use(MaxBodyBytes(a.opts.MaxBodyBytes))

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1/auth", func(r chi.Router) {
		login := http.HandlerFunc(a.login)
		if a.opts.LoginPerMinute > 0 {
			r.With(httprate.LimitByIP(a.opts.LoginPerMinute, time.Minute)).Post("/login", login)
		} else {
			r.Post("/login", login)
		}
		r.Post("/refresh", a.refresh)
		r.Post("/revoke", a.revoke)
		r.With(a.withAuth).Get("/me", a.me)
	})

	r.Group(func(r chi.Router) {
		r.Use(a.withAuth)
		r.Get("/v1/templates", a.listTemplates)
		r.With(requireAction(auth.ActionMonitoringRead)).Get("/v1/events", a.Stream)
		r.Route("/v1/work-items", func(r chi.Router) {
			r.Post("/", a.enterWorkItem)
			r.Get("/", a.listWorkItems)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.getWorkItem)
				r.Post("/advance", a.advanceWorkItem)
				r.Post("/flag", a.flagWorkItem)
				r.Post("/resolve", a.resolveWorkItem)
				r.Post("/complete", a.completeWorkItem)
			})
		})
		r.Route("/v1/bundles/{id}", func(r chi.Router) {
			r.Get("/", a.getBundle)
			r.Post("/status", a.setBundleStatus)
		})
		r.Route("/v1/admin/users", func(r chi.Router) {
			r.Use(requireAction(auth.ActionManageUsers))
			r.Get("/", a.listUsers)
			r.Post("/", a.createUser)
			r.Post("/{id}/active", a.setUserActive)
			r.Post("/{id}/permissions", a.setUserPermissions)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}

// Handler returns the root handler for the server.
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
	})
}

func (a *API) listTemplates(w http.ResponseWriter, r *http.Request) {
	var list []catalog.Template
	if a.templates != nil {
		list = a.templates.List()
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
