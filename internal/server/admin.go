package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/queue"
)

// maxAdminBody bounds admin request bodies (1 MB).
const maxAdminBody = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalid, "invalid request body: "+err.Error(), "")
		return false
	}
	return true
}

type listResponse[T any] struct {
	Data  []T `json:"data"`
	Count int `json:"count"`
}

func writeList[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, listResponse[T]{Data: items, Count: len(items)})
}

type okResponse struct {
	Status string `json:"status"`
}

var statusOK = okResponse{Status: "ok"}

// --- Accounts ---

// adminAccount is the redacted account view. Credentials and session tokens
// never leave the process.
type adminAccount struct {
	ID               string                 `json:"id"`
	Label            string                 `json:"label"`
	Active           bool                   `json:"active"`
	Paused           bool                   `json:"paused"`
	PauseReason      gateway.PauseReason    `json:"pause_reason,omitempty"`
	RateLimited      bool                   `json:"rate_limited"`
	RateLimitResetAt time.Time              `json:"rate_limit_reset_at,omitzero"`
	RequestCount     int64                  `json:"request_count"`
	ErrorCount       int64                  `json:"error_count"`
	LastUsedAt       time.Time              `json:"last_used_at,omitzero"`
	Current          bool                   `json:"current"`
	Quota            *gateway.QuotaSnapshot `json:"quota,omitempty"`
}

func redactAccount(a gateway.Account, currentID string) adminAccount {
	return adminAccount{
		ID:               a.ID,
		Label:            a.Label,
		Active:           a.Active,
		Paused:           a.Paused,
		PauseReason:      a.PauseReason,
		RateLimited:      a.RateLimited,
		RateLimitResetAt: a.RateLimitResetAt,
		RequestCount:     a.RequestCount,
		ErrorCount:       a.ErrorCount,
		LastUsedAt:       a.LastUsedAt,
		Current:          a.ID == currentID,
		Quota:            a.Quota,
	}
}

func (s *server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	var currentID string
	if cur, ok := s.deps.Pool.Current(); ok {
		currentID = cur.ID
	}
	accounts := s.deps.Pool.List()
	out := make([]adminAccount, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, redactAccount(a, currentID))
	}
	writeList(w, out)
}

type addAccountRequest struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	Credential string `json:"credential"`
}

func (s *server) handleAddAccount(w http.ResponseWriter, r *http.Request) {
	var req addAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Credential == "" {
		writeError(w, http.StatusBadRequest, errTypeInvalid, "missing credential", "")
		return
	}
	if req.ID == "" {
		req.ID = uuid.Must(uuid.NewV7()).String()
	}
	if req.Label == "" {
		req.Label = req.ID
	}
	s.deps.Pool.Add(gateway.Account{
		ID:         req.ID,
		Label:      req.Label,
		Credential: req.Credential,
	})
	if s.deps.Store != nil {
		s.deps.Store.Mirror(req.Label, req.Credential)
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

func (s *server) handleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Pool.Remove(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, errTypeInvalid, "account not found", "")
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}

func (s *server) handlePauseAccount(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Pool.Pause(chi.URLParam(r, "id"), gateway.PauseManual) {
		writeError(w, http.StatusNotFound, errTypeInvalid, "account not found", "")
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}

func (s *server) handleResumeAccount(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Pool.Resume(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, errTypeInvalid, "account not found", "")
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}

func (s *server) handleSelectAccount(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Pool.SetCurrent(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, errTypeInvalid, "account not found or not eligible", "")
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}

func (s *server) handleRotateAccounts(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.deps.Pool.Rotate(r.Context())
	if !ok {
		writeError(w, http.StatusServiceUnavailable, errTypeOverloaded, "no eligible account to rotate to", "")
		return
	}
	var currentID string
	if cur, cok := s.deps.Pool.Current(); cok {
		currentID = cur.ID
	}
	writeJSON(w, http.StatusOK, redactAccount(acct, currentID))
}

// --- Queue ---

type queueStatsResponse struct {
	Running       int     `json:"running"`
	Pending       int     `json:"pending"`
	TotalEnqueued int64   `json:"total_enqueued"`
	TotalAdmitted int64   `json:"total_admitted"`
	TimedOut      int64   `json:"timed_out"`
	Rejected      int64   `json:"rejected"`
	Cleared       int64   `json:"cleared"`
	AvgWaitMs     float64 `json:"avg_wait_ms"`
	AvgProcessMs  float64 `json:"avg_process_ms"`
}

func toQueueStats(st queue.Stats) queueStatsResponse {
	return queueStatsResponse{
		Running:       st.Running,
		Pending:       st.Pending,
		TotalEnqueued: st.TotalEnqueued,
		TotalAdmitted: st.TotalAdmitted,
		TimedOut:      st.TimedOut,
		Rejected:      st.Rejected,
		Cleared:       st.Cleared,
		AvgWaitMs:     st.AvgWaitMs,
		AvgProcessMs:  st.AvgProcessMs,
	}
}

func (s *server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toQueueStats(s.deps.Queue.Stats()))
}

func (s *server) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	s.deps.Queue.Pause()
	writeJSON(w, http.StatusOK, statusOK)
}

func (s *server) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	s.deps.Queue.Resume()
	writeJSON(w, http.StatusOK, statusOK)
}

func (s *server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	s.deps.Queue.Clear()
	writeJSON(w, http.StatusOK, statusOK)
}

// --- Cache ---

type cacheStatsResponse struct {
	Entries     int   `json:"entries"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	SavedTokens int64 `json:"saved_tokens"`
}

func (s *server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Cache.Stats()
	writeJSON(w, http.StatusOK, cacheStatsResponse{
		Entries:     s.deps.Cache.Len(),
		Hits:        st.Hits,
		Misses:      st.Misses,
		SavedTokens: st.SavedTokens,
	})
}

func (s *server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	s.deps.Cache.Purge()
	writeJSON(w, http.StatusOK, statusOK)
}

// --- History ---

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errTypeInvalid, "limit must be a positive integer", "")
			return
		}
		limit = n
	}
	writeList(w, s.deps.History.Entries(limit))
}

func (s *server) handleCosts(w http.ResponseWriter, r *http.Request) {
	writeList(w, s.deps.History.Costs())
}

// --- Approvals ---

func (s *server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	writeList(w, s.deps.Relay.Approvals().List())
}

type resolveApprovalRequest struct {
	Approve bool `json:"approve"`
}

func (s *server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var req resolveApprovalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !s.deps.Relay.Approvals().Resolve(chi.URLParam(r, "id"), req.Approve) {
		writeError(w, http.StatusNotFound, errTypeInvalid, "approval not found", "")
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}
