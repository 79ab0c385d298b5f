package httpapi

import (
	"encoding/json"
	"net/http"
)

// modelEntry is the wire shape of one GET /v1/models row, matching the
// OpenAI list-models envelope shape.
type modelEntry struct {
	ID                string  `json:"id"`
	Object            string  `json:"object"`
	Provider          string  `json:"owned_by"`
	InputPrice        float64 `json:"input_price_per_mtoken"`
	OutputPrice       float64 `json:"output_price_per_mtoken"`
	SupportsStreaming bool    `json:"supports_streaming"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// handleListModels implements GET /v1/models: enumerates the enabled
// model set from the catalog, filtered to the subset enabled for the
// calling project. The project filter is a query parameter here since
// this gateway has no request-scoped project middleware of its own.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project_id")

	data := make([]modelEntry, 0, len(s.models))
	for _, m := range s.models {
		if project != "" && !projectAllows(project, m.Name) {
			continue
		}
		data = append(data, modelEntry{
			ID:                m.Name,
			Object:            "model",
			Provider:          m.Provider,
			InputPrice:        m.InputPricePerMToken,
			OutputPrice:       m.OutputPricePerMToken,
			SupportsStreaming: m.SupportsStreaming,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(modelListResponse{Object: "list", Data: data})
}

// projectAllows is a placeholder for a per-project model restriction
// table; with no restriction source wired, every project is allowed every
// cataloged model.
func projectAllows(projectID, model string) bool { return true }
