package router

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/baechuer/real-time-ressys/services/verify-service/internal/transport/http/middleware"
	"github.com/baechuer/real-time-ressys/services/verify-service/internal/transport/http/response"
)

type HealthHandler interface {
	Healthz(w http.ResponseWriter, r *http.Request)
	Readyz(w http.ResponseWriter, r *http.Request)
}

type AuthHandler interface {
	Register(w http.ResponseWriter, r *http.Request)
	VerifyEmail(w http.ResponseWriter, r *http.Request)
	Login(w http.ResponseWriter, r *http.Request)
	ListUsers(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	Health HealthHandler
	Auth   AuthHandler

	// Limiter backs the register rate limit; nil means per-process limiting.
	Limiter         middleware.RateLimiter
	RegisterLimit   int
	RegisterWindow  time.Duration
	MetricsEndpoint http.Handler
}

func New(deps Deps) (http.Handler, error) {
	if deps.Health == nil {
		return nil, fmt.Errorf("nil Health handler")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("nil Auth handler")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Observe)

	r.Get("/healthz", deps.Health.Healthz)
	r.Get("/readyz", deps.Health.Readyz)
	if deps.MetricsEndpoint != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsEndpoint)
	}

	registerRL := middleware.RateLimitFixedWindow(deps.Limiter, middleware.FixedWindowConfig{
		RouteKey: "register",
		Limit:    deps.RegisterLimit,
		Window:   deps.RegisterWindow,
	}, response.WriteError)

	routes := func(r chi.Router) {
		r.With(registerRL).Post("/register", deps.Auth.Register)
		r.Get("/verify/{token}", deps.Auth.VerifyEmail)
		r.Post("/login", deps.Auth.Login)
		r.Get("/dashboard/users", deps.Auth.ListUsers)
	}

	// Served both at the root and under the legacy /api/auth prefix so links
	// in already-sent emails keep working.
	r.Group(routes)
	r.Route("/api/auth", routes)

	return r, nil
}
