package index

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/codequality/rule-registry/pkg/tenancy"
)

// SearchResult is one rule matched in the index with the activations of it
// in the caller's organization.
type SearchResult struct {
	Rule    RuleDoc         `json:"rule"`
	Actives []ActiveRuleDoc `json:"actives"`
}

type searchResponse struct {
	Tag   string         `json:"tag"`
	Items []SearchResult `json:"items"`
}

// SearchRulesHandler serves GET /api/index/rules?tag=...
// It answers from the index only, so results trail the record store until
// queued publications are processed.
func SearchRulesHandler(backend Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		tag := r.URL.Query().Get("tag")
		if tag == "" {
			writeError(w, http.StatusBadRequest, "tag is required")
			return
		}
		org := tenancy.OrganizationFromContext(ctx)

		ids, err := backend.RuleIDsByTag(ctx, org, tag)
		if err != nil {
			writeBackendError(w, err)
			return
		}
		resp := searchResponse{Tag: tag, Items: make([]SearchResult, 0, len(ids))}
		for _, id := range ids {
			doc, err := backend.GetRule(ctx, org, id)
			if err != nil {
				writeBackendError(w, err)
				return
			}
			if doc == nil {
				continue
			}
			result := SearchResult{Rule: *doc, Actives: []ActiveRuleDoc{}}
			activeIDs, err := backend.ActiveRuleIDsByRule(ctx, id)
			if err != nil {
				writeBackendError(w, err)
				return
			}
			for _, activeID := range activeIDs {
				active, err := backend.GetActiveRule(ctx, activeID)
				if err != nil {
					writeBackendError(w, err)
					return
				}
				if active != nil && active.Organization == org {
					result.Actives = append(result.Actives, *active)
				}
			}
			resp.Items = append(resp.Items, result)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeBackendError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrUnavailable) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
