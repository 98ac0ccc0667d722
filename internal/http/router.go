package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"gitea.jw6.us/james/taskmirror/internal/auth"
	"gitea.jw6.us/james/taskmirror/internal/config"
	"gitea.jw6.us/james/taskmirror/internal/connect"
	"gitea.jw6.us/james/taskmirror/internal/http/csrf"
	"gitea.jw6.us/james/taskmirror/internal/http/ratelimit"
	"gitea.jw6.us/james/taskmirror/internal/metrics"
	"gitea.jw6.us/james/taskmirror/internal/store"
	syncer "gitea.jw6.us/james/taskmirror/internal/sync"
	"gitea.jw6.us/james/taskmirror/internal/ui"
)

// NewRouter wires all HTTP routes.
func NewRouter(
	cfg *config.Config,
	st *store.Store,
	authService *auth.Service,
	tokenService *auth.TokenService,
	connectService *connect.Service,
	orchestrator *syncer.Orchestrator,
) http.Handler {
	r := chi.NewRouter()

	authRateLimiter := ratelimit.New(ratelimit.TierConnect, 5*time.Minute, cfg.TrustedProxies)
	apiRateLimiter := ratelimit.New(ratelimit.TierAPI, 5*time.Minute, cfg.TrustedProxies)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := st.HealthCheck(ctx); err != nil {
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	h := newAPIHandler(cfg, st, connectService, orchestrator, tokenService)

	r.Route("/auth", func(r chi.Router) {
		r.Use(authRateLimiter.Middleware())
		r.Get("/login", authService.BeginLogin)
		r.Get("/callback", authService.HandleCallback)
	})
	r.With(authService.RequireSession, csrf.Middleware(cfg)).Post("/auth/logout", authService.Logout)

	// Interactive provider connect flow. Requires a logged-in dashboard
	// session: the user being linked is the session user.
	r.Route("/connect", func(r chi.Router) {
		r.Use(authRateLimiter.Middleware())
		r.Use(authService.RequireSession)
		r.Get("/{provider}", h.BeginConnect)
		r.Get("/{provider}/callback", h.CompleteConnect)
	})

	// The scheduled trigger authenticates with the shared sync secret, not
	// a user session.
	r.With(apiRateLimiter.Middleware()).Post("/api/sync/run", h.TriggerScheduledSync)

	// Server-rendered dashboard pages.
	pages := ui.NewHandler(cfg, st, connectService, tokenService)
	r.Group(func(r chi.Router) {
		r.Use(authService.RequireSession)
		r.Use(csrf.Middleware(cfg))

		r.Get("/", pages.Dashboard)
		r.Get("/settings/integrations", pages.Integrations)
		r.Post("/settings/integrations/{id}/disconnect", pages.DisconnectAccount)
		r.Get("/settings/tokens", pages.Tokens)
		r.Post("/settings/tokens", pages.CreateToken)
		r.Post("/settings/tokens/{id}/revoke", pages.RevokeToken)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(apiRateLimiter.Middleware())
		r.Use(auth.RequireUserAuth(authService, tokenService))
		r.Use(csrf.Middleware(cfg))

		r.Post("/sync/manual", h.TriggerManualSync)
		r.Get("/items", h.ListItems)
		r.Get("/accounts", h.ListAccounts)
		r.Post("/accounts/{id}/disconnect", h.DisconnectAccount)
		r.Get("/tokens", h.ListTokens)
		r.Post("/tokens", h.CreateToken)
		r.Post("/tokens/{id}/revoke", h.RevokeToken)
	})

	return r
}
