package httpapi

import (
	"context"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"facegate.org/internal/audit"
	"facegate.org/internal/auth"
	"facegate.org/internal/faces"
	"facegate.org/internal/health"
	"facegate.org/internal/obs"
)

const serviceName = "facegate"

// ToolMetrics counts tool calls by tool and response status.
type ToolMetrics interface {
	ToolCall(tool, status string)
}

type nopToolMetrics struct{}

func (nopToolMetrics) ToolCall(string, string) {}

// Config wires the API to its collaborators.
type Config struct {
	Authority *auth.Authority
	Faces     *faces.Service
	Monitor   *health.Monitor
	Trail     *audit.Trail
	Logger    *zap.Logger
	Metrics   ToolMetrics

	// AdminKey enables the /admin routes; empty disables them.
	AdminKey   string
	Version    string
	RateBurst  int
	RatePerSec float64
	// TrustedProxies may set the client address via X-Forwarded-For.
	TrustedProxies []netip.Prefix
}

// API is the HTTP layer: token endpoint, tool calls, admin and probes.
type API struct {
	authority *auth.Authority
	faces     *faces.Service
	monitor   *health.Monitor
	trail     *audit.Trail
	logger    *zap.Logger
	metrics   ToolMetrics

	adminKey   string
	version    string
	rateBurst  int
	ratePerSec float64
	proxies    []netip.Prefix
	started    time.Time
}

func New(cfg Config) *API {
	a := &API{
		authority:  cfg.Authority,
		faces:      cfg.Faces,
		monitor:    cfg.Monitor,
		trail:      cfg.Trail,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		adminKey:   cfg.AdminKey,
		version:    cfg.Version,
		rateBurst:  cfg.RateBurst,
		ratePerSec: cfg.RatePerSec,
		proxies:    cfg.TrustedProxies,
		started:    time.Now().UTC(),
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	if a.metrics == nil {
		a.metrics = nopToolMetrics{}
	}
	if a.trail == nil {
		a.trail = audit.NewTrail(nil)
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 40
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 20
	}
	return a
}

// Handler builds the router with the full middleware chain.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(RealIP(a.proxies))
	r.Use(Logging(a.logger))
	r.Use(obs.Instrument)
	r.Use(SecurityHeaders)
	r.Use(RateLimiter(a.rateBurst, a.ratePerSec))

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Post("/oauth/token", a.handleToken)
	r.Get("/.well-known/jwks.json", a.handleJWKS)

	r.Get("/v1/tools", a.handleListTools)
	r.Post("/v1/tools/{tool}", a.handleToolCall)

	r.Route("/admin/clients", func(r chi.Router) {
		r.Use(a.requireAdmin)
		r.Post("/", a.handleCreateClient)
		r.Get("/", a.handleListClients)
		r.Delete("/{id}", a.handleDeleteClient)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

// Ready answers 200 only while every component is healthy.
func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	summary := a.summary(r.Context())
	if !a.monitor.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"health": summary,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"health": summary,
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       serviceName,
		"time":       time.Now().UTC().Format(time.RFC3339),
		"started_at": a.started.Format(time.RFC3339),
		"version":    a.version,
		"token": map[string]any{
			"issuer":     a.authority.Issuer(),
			"expires_in": int64(a.authority.AccessTTL().Seconds()),
			"jwks_uri":   "/.well-known/jwks.json",
		},
	})
}

func (a *API) summary(ctx context.Context) health.Summary {
	return a.monitor.Summary(ctx)
}
