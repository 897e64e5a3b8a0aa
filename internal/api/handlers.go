package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/fortifi/backend/internal/audit"
	"github.com/fortifi/backend/internal/core"
	"github.com/fortifi/backend/internal/queue"
)

// SubmitRequest is the transaction intake payload.
type SubmitRequest struct {
	Transaction core.Transaction `json:"transaction"`
	Priority    int              `json:"priority"`
}

func (s *Server) handleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if req.Transaction.Timestamp.IsZero() {
		req.Transaction.Timestamp = time.Now().UTC()
	}

	err := s.opts.Controller.ProcessTransaction(&req.Transaction, req.Priority)
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":         "queued",
			"transaction_id": req.Transaction.ID,
		})
	}
}

func (s *Server) handleGetLimits(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"limits":  s.opts.Limits.CurrentLimits(userID),
		"state":   s.opts.Limits.GetUserState(userID),
	})
}

func (s *Server) handleResetLimits(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	s.opts.Limits.ResetUserLimits(userID)
	s.logger.Printf("limits reset for user %s", userID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"limits":  s.opts.Limits.CurrentLimits(userID),
	})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	entry, err := s.opts.Syncer.GetSyncStatus(mux.Vars(r)["sync_id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "sync not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleManualResync(w http.ResponseWriter, r *http.Request) {
	syncID := mux.Vars(r)["sync_id"]
	if err := s.opts.Syncer.ManualResync(syncID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"sync_id": syncID, "status": "requeued"})
}

func (s *Server) handleSyncSummary(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			days = n
		}
	}
	report, err := s.opts.Syncer.SummaryReport(days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAuditSearch(w http.ResponseWriter, r *http.Request) {
	if s.opts.Audit == nil {
		unavailable(w, "audit log")
		return
	}
	q := audit.Query{UserID: r.URL.Query().Get("user_id")}
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		q.StartTime = &t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		q.EndTime = &t
	}
	if v := r.URL.Query().Get("min_daily"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid min_daily")
			return
		}
		q.MinDailyLimit = &f
	}

	records, err := s.opts.Audit.Search(q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(records),
		"records": records,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	breakers := map[string]interface{}{}
	if s.opts.Breakers != nil {
		if overall, _ := s.opts.Breakers.HealthStatus(); overall != "HEALTHY" {
			status = "degraded"
		}
		for name, bs := range s.opts.Breakers.Manager.Stats() {
			breakers[name] = map[string]interface{}{
				"state":  bs.State.String(),
				"counts": bs.Counts,
			}
		}
	}
	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"breakers":  breakers,
		"timestamp": time.Now().UTC(),
	})
}

// handleReady is the readiness probe: it fails while the audit log's
// crypto state is missing or its segment is not writable, so the node
// receives no traffic it could not record.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.opts.Controller == nil {
		writeError(w, http.StatusServiceUnavailable, "controller not started")
		return
	}
	if s.opts.Audit != nil {
		if err := s.opts.Audit.Ready(); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{}
	if s.opts.Controller != nil {
		stats["controller"] = s.opts.Controller.Stats()
	}
	if s.opts.Limits != nil {
		stats["limits"] = s.opts.Limits.Stats()
	}
	if s.opts.Syncer != nil {
		stats["sync_queue_depth"] = s.opts.Syncer.QueueDepth()
	}
	if s.opts.Audit != nil {
		stats["audit"] = s.opts.Audit.Stats()
	}
	if s.opts.Shadow != nil {
		stats["shadow"] = s.opts.Shadow.Stats()
	}
	if s.opts.Traps != nil {
		stats["traps"] = s.opts.Traps.Stats()
	}
	if s.opts.Streamer != nil {
		stats["streamer"] = s.opts.Streamer.GetStatistics()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleLiveMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Monitor.GetLiveMetrics())
}
