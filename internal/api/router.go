package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"

	"github.com/skystack/engine/internal/api/handlers"
	mw "github.com/skystack/engine/internal/api/middleware"
)

type Dependencies struct {
	HealthHandler      *handlers.HealthHandler
	DeploymentsHandler *handlers.DeploymentsHandler
	ProvidersHandler   *handlers.ProvidersHandler
	GroupsHandler      *handlers.GroupsHandler
	StreamHandler      *handlers.StreamHandler
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.Recovery)
	r.Use(mw.Logging)
	r.Use(mw.CORS)
	r.Use(chimid.Compress(5))

	r.Get("/healthz", dep.HealthHandler.Liveness)
	r.Get("/readyz", dep.HealthHandler.Readiness)

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/deploy", dep.DeploymentsHandler.Create)

		api.Route("/deployments", func(dr chi.Router) {
			dr.Get("/", dep.DeploymentsHandler.List)
			dr.Get("/{id}", dep.DeploymentsHandler.Get)
			dr.Get("/{id}/logs", dep.StreamHandler.Logs)
			dr.Post("/{id}/cancel", dep.DeploymentsHandler.Cancel)
			dr.Post("/{id}/destroy", dep.DeploymentsHandler.Destroy)
		})

		api.Route("/providers", func(pr chi.Router) {
			pr.Get("/", dep.ProvidersHandler.List)
			pr.Get("/{id}/locations", dep.ProvidersHandler.Locations)
			pr.Get("/{id}/templates", dep.ProvidersHandler.Templates)

			pr.Route("/{id}/groups", func(gr chi.Router) {
				gr.Get("/", dep.GroupsHandler.List)
				gr.Post("/", dep.GroupsHandler.Create)
				gr.Delete("/{name}", dep.GroupsHandler.Delete)
				gr.Get("/{name}/resources", dep.GroupsHandler.Resources)
			})
		})
	})

	return r
}
