package server

import (
	"encoding/json"
	"net/http"

	gateway "github.com/eugener/shadowfax/internal"
)

func (s *server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req gateway.EmbeddingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalid, "invalid JSON body", "")
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, errTypeInvalid, "missing model", "")
		return
	}

	resp, err := s.deps.Relay.Embeddings(r.Context(), &req)
	if err != nil {
		writeRelayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
