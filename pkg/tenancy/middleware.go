package tenancy

import (
	"encoding/json"
	"net/http"
)

// Middleware returns HTTP middleware that resolves the organization using
// the provided OrgResolver and stores it in the request context. On
// resolution failure it responds with a 400 JSON error.
func Middleware(resolver OrgResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			oc, err := resolver.Resolve(r)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   "bad_request",
					"message": err.Error(),
				})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOrg(r.Context(), oc)))
		})
	}
}

// NewMiddleware creates middleware with the resolver for the given Mode.
// defaultOrg is used in single mode.
func NewMiddleware(mode Mode, defaultOrg string) func(http.Handler) http.Handler {
	var resolver OrgResolver
	switch mode {
	case ModeMulti:
		resolver = RequestOrgResolver{}
	default:
		resolver = SingleOrgResolver{Organization: defaultOrg}
	}
	return Middleware(resolver)
}
