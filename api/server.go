/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. Logger:     Structured request logging (zap)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the back-office frontend

ROUTE GROUPS:
  /api/drivers/*        Driver profiles, ledgers and settlements
  /api/sites/*          Site reports
  /api/scenarios/*      Demo data (development only)
  /metrics              Prometheus exposition
  /healthz              Liveness

SECURITY NOTE:
  No authentication middleware. The service is expected to sit behind the
  back-office gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type RouterOptions struct {
	AllowedOrigins []string
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/drivers", func(r chi.Router) {
			r.Get("/", h.ListDrivers)

			r.Route("/{driverID}", func(r chi.Router) {
				r.Get("/", h.GetDriver)
				r.Put("/", h.UpsertDriver)

				r.Route("/earnings", func(r chi.Router) {
					r.Post("/", h.AddEarnings)
					r.Put("/{id}", h.UpdateEarnings)
					r.Delete("/{id}", h.RemoveEarnings)
				})

				r.Route("/charges", func(r chi.Router) {
					r.Post("/", h.AddCharge)
					r.Post("/{id}/sign", h.SignCharge)
					r.Delete("/{id}", h.RemoveCharge)
				})

				r.Route("/plans", func(r chi.Router) {
					r.Get("/", h.ListPlans)
					r.Post("/", h.CreatePlan)
					r.Put("/{id}", h.AmendPlan)
					r.Post("/{id}/sign", h.SignPlan)
					r.Delete("/{id}", h.RemovePlan)
				})

				r.Route("/settlements", func(r chi.Router) {
					r.Get("/", h.ListSettlements)
					r.Get("/{week}", h.GetWeek)
					r.Post("/{week}/reconcile", h.ReconcileWeek)
				})

				r.Post("/reconcile", h.ReconcileDriver)
			})
		})

		r.Get("/sites/{site}/settlements/{week}", h.SiteReport)

		if h.scenariosEnabled {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}

func requestLogger(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debugw("Request handled",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"requestID", middleware.GetReqID(r.Context()))
		})
	}
}
