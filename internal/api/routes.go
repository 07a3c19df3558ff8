package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/rangeops/rangehub/internal/audit"
	"github.com/rangeops/rangehub/internal/auth"
	"github.com/rangeops/rangehub/internal/config"
	"github.com/rangeops/rangehub/internal/events"
	"github.com/rangeops/rangehub/internal/instances"
	"github.com/rangeops/rangehub/internal/license"
	"github.com/rangeops/rangehub/internal/mailer"
	"github.com/rangeops/rangehub/internal/mailqueue"
	"github.com/rangeops/rangehub/internal/pkg/httputil"
	"github.com/rangeops/rangehub/internal/scheduler"
	"github.com/rangeops/rangehub/internal/users"
)

// Deps carries the wired handlers the router mounts.
type Deps struct {
	Auth      *auth.Handler
	Events    *events.Handler
	Users     *users.Handler
	Queue     *mailqueue.Handler
	License   *license.Handler
	Instances *instances.Handler
	Scheduler *scheduler.Handler
	Audit     *audit.Handler
	Webhook   *mailer.WebhookHandler
	Health    *HealthChecker
}

// SetupRoutes builds the full route tree. Public endpoints carry their
// own credentials (bearer tokens, confirmation codes, webhook
// signatures); everything under /api requires a session, and all of it
// except /api/me requires the admin role.
func SetupRoutes(cfg config.ServerConfig, d Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.BaseURL, "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", d.Health.HandleHealth)
	r.Get("/health/live", d.Health.HandleLiveness)
	r.Get("/health/ready", d.Health.HandleReadiness)

	d.Auth.RegisterRoutes(r)
	d.Events.RegisterPublicRoutes(r)
	d.License.RegisterPublicRoutes(r)
	d.Instances.RegisterPublicRoutes(r)
	d.Webhook.RegisterRoutes(r)

	r.Route("/api", func(r chi.Router) {
		r.Use(d.Auth.RequireSession)
		r.Get("/me", handleMe)

		r.Group(func(r chi.Router) {
			r.Use(d.Auth.RequireAdmin)
			d.Events.RegisterAdminRoutes(r)
			d.Users.RegisterAdminRoutes(r)
			d.Queue.RegisterAdminRoutes(r)
			d.License.RegisterAdminRoutes(r)
			d.Instances.RegisterAdminRoutes(r)
			d.Scheduler.RegisterAdminRoutes(r)
			d.Audit.RegisterAdminRoutes(r)
		})
	})

	return r
}

// handleMe answers the session's own user record. RequireSession already
// resolved it onto the context.
func handleMe(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, httputil.UserFromContext(r.Context()))
}
