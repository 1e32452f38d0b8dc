package httpapi

import (
	"expvar"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/abcretail/order-pipeline/internal/http/openapi"
	"github.com/abcretail/order-pipeline/internal/obs"
)

// NewRouter registers HTTP routes and returns the handler with middleware.
func NewRouter(app *App) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/orders", app.createOrderHandler)
		r.Post("/orders/{id}/status", app.updateStatusHandler)
		r.Post("/assets/events", app.assetEventHandler)

		// read boundary: plain pass-throughs for observing pipeline outcomes
		r.Get("/orders", list(app.Store.Orders))
		r.Get("/orders/{id}", getByID(app.Store.Orders))
		r.Get("/products", list(app.Store.Products))
		r.Get("/products/{id}", getByID(app.Store.Products))
		r.Get("/customers", list(app.Store.Customers))
		r.Get("/customers/{id}", getByID(app.Store.Customers))
	})

	r.Get("/healthz", app.healthHandler)
	r.Method(http.MethodGet, "/metrics", obs.MetricsHandler())
	r.Get("/debug/stats", app.statsHandler)
	r.Handle("/debug/vars", expvar.Handler())
	r.Get("/openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(openapi.YAML)
	})
	r.Get("/docs", app.docsHandler)

	return WithRequestID(WithLogging(r))
}
