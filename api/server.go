/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontend
  5. RequireUser (under /api only): X-User-ID header

ROUTE GROUPS:
  /api/wallets/*        Wallet reads, management and reconciliation
  /api/operations/*     Operation reads, lifecycle and bulk removal
  /health               Liveness and store ping
  /metrics              Prometheus scrape endpoint (when enabled)

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/wallet-ledger/ledger"
)

// UserHeader carries the authenticated user id.
const UserHeader = "X-User-ID"

// RouterOptions tunes the router. The zero value allows no origins and
// hides /metrics.
type RouterOptions struct {
	AllowedOrigins []string
	Metrics        bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", UserHeader},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)
	if opts.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(RequireUser)

		r.Route("/wallets", func(r chi.Router) {
			r.Get("/", h.ListWallets)
			r.Post("/", h.CreateWallet)
			r.Post("/base", h.CreateBaseWallets)
			r.Post("/reconcile", h.ReconcileWallets)
			r.Get("/{id}", h.GetWallet)
			r.Delete("/{id}", h.DeleteWallet)
		})

		r.Route("/operations", func(r chi.Router) {
			r.Get("/", h.ListOperations)
			r.Post("/", h.CreateOperation)
			r.Delete("/", h.RemoveOperations)
			r.Get("/{id}", h.GetOperation)
			r.Delete("/{id}", h.RemoveOperation)
			r.Patch("/{id}/{field}", h.UpdateOperation)
		})
	})

	return r
}

type userKey struct{}

// RequireUser rejects requests without a user id and stores it in the
// request context.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimSpace(r.Header.Get(UserHeader))
		if user == "" {
			writeError(w, http.StatusUnauthorized, "Missing "+UserHeader+" header", nil)
			return
		}
		ctx := context.WithValue(r.Context(), userKey{}, ledger.UserID(user))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFrom(r *http.Request) ledger.UserID {
	user, _ := r.Context().Value(userKey{}).(ledger.UserID)
	return user
}
