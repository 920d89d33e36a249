package server

import (
	"net/http"
	"time"
)

var startTime = time.Now()

type healthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Accounts      int    `json:"accounts"`
	QueueRunning  int    `json:"queue_running"`
	QueuePending  int    `json:"queue_pending"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.deps.Queue.Stats()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		Accounts:      s.deps.Pool.Len(),
		QueueRunning:  stats.Running,
		QueuePending:  stats.Pending,
	})
}
