package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/choiyounggi/linkly-calendar/internal/authz"
	"github.com/choiyounggi/linkly-calendar/internal/gateway"
	"github.com/choiyounggi/linkly-calendar/internal/httpx"
	"github.com/choiyounggi/linkly-calendar/internal/observability/middleware"
)

type Deps struct {
	Chat ChatService
	// Gateway is nil on worker-only processes; /ws/chat is then not mounted.
	Gateway *gateway.Gateway
	// Verifier, when set, guards the REST routes with bearer tokens.
	Verifier    authz.Verifier
	CORSOrigins []string
	// RateLimit is requests per minute per client IP on the REST routes.
	RateLimit int
	Ready     func(ctx context.Context) error
	Logger    *slog.Logger
}

func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.RateLimit <= 0 {
		d.RateLimit = 120
	}
	h := &Handler{chat: d.Chat, logger: d.Logger}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.WithRequestAndTrace)
	r.Use(middleware.WithMetrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   originsOrAny(d.CORSOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id", "X-Couple-Id", "X-User-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", readyHandler(d))
	r.Handle("/metrics", promhttp.Handler())

	if d.Gateway != nil {
		// The gateway identifies sockets itself and answers in-band.
		r.Get("/ws/chat", d.Gateway.ServeHTTP)
	}

	if d.Chat != nil {
		r.Group(func(api chi.Router) {
			api.Use(httprate.LimitByIP(d.RateLimit, time.Minute))
			api.Use(httpx.LogRequests(d.Logger))
			if d.Verifier != nil {
				api.Use(authz.Middleware(d.Verifier))
			}
			api.Route("/chat", func(cr chi.Router) {
				cr.Post("/messages", h.sendMessage)
				cr.Get("/messages", h.listMessages)
				cr.Get("/messages/sync", h.syncMessages)
				cr.Get("/identity", h.identity)
			})
		})
	}
	return r
}

func readyHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := d.Ready(ctx); err != nil {
				d.Logger.Warn("readiness check failed", "error", err)
				httpx.WriteError(w, http.StatusServiceUnavailable, "not ready")
				return
			}
		}
		body := map[string]any{"ok": true}
		if d.Gateway != nil {
			s := d.Gateway.Stats()
			body["connections"] = s.Connections
			body["rooms"] = s.Rooms
		}
		httpx.WriteJSON(w, http.StatusOK, body)
	}
}

// originsOrAny treats an empty list as "*".
func originsOrAny(in []string) []string {
	if len(in) == 0 {
		return []string{"*"}
	}
	return in
}
