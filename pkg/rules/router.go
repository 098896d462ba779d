package rules

import (
	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with the rule and quality profile actions.
// It expects the organization to be resolved by tenancy middleware.
func NewRouter(api *API) chi.Router {
	r := chi.NewRouter()

	r.Route("/rules", func(r chi.Router) {
		r.Get("/show", api.showHandler)
		r.Get("/history", api.historyHandler)
		r.Post("/create", api.createHandler)
		r.Post("/update", api.updateHandler)
		r.Post("/delete", api.deleteHandler)
	})

	r.Route("/qualityprofiles", func(r chi.Router) {
		r.Post("/activate_rule", api.activateHandler)
		r.Post("/deactivate_rule", api.deactivateHandler)
	})

	return r
}
