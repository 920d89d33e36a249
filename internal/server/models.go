package server

import (
	"net/http"

	"github.com/eugener/shadowfax/internal/models"
)

// modelList is the OpenAI model-list shape.
type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Registry.List(r.Context())
	if err != nil {
		writeRelayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toModelList(list))
}

func toModelList(list []models.Model) modelList {
	out := modelList{Object: "list", Data: make([]modelEntry, 0, len(list))}
	for _, m := range list {
		owner := m.Vendor
		if owner == "" {
			owner = "system"
		}
		out.Data = append(out.Data, modelEntry{ID: m.ID, Object: "model", OwnedBy: owner})
	}
	return out
}
