package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fortifi/backend/internal/shadow"
)

func (s *Server) handlePhantomGenerate(w http.ResponseWriter, r *http.Request) {
	if s.opts.Phantom == nil {
		unavailable(w, "phantom engine")
		return
	}
	var req struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Count <= 0 {
		writeError(w, http.StatusBadRequest, "count must be a positive integer")
		return
	}
	decoys, err := s.opts.Phantom.GenerateDecoys(r.Context(), req.Count)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"generated": len(decoys),
		"decoys":    decoys,
	})
}

func (s *Server) handlePhantomActive(w http.ResponseWriter, r *http.Request) {
	if s.opts.Phantom == nil {
		unavailable(w, "phantom engine")
		return
	}
	decoys, err := s.opts.Phantom.ActiveDecoys(r.Context(), mux.Vars(r)["user_id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, decoys)
}

func (s *Server) handlePhantomTriggered(w http.ResponseWriter, r *http.Request) {
	if s.opts.Phantom == nil {
		unavailable(w, "phantom engine")
		return
	}
	decoys, err := s.opts.Phantom.TriggeredDecoys(r.Context(), mux.Vars(r)["user_id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, decoys)
}

func (s *Server) handlePhantomSimulate(w http.ResponseWriter, r *http.Request) {
	if s.opts.Phantom == nil {
		unavailable(w, "phantom engine")
		return
	}
	tx, access, err := s.opts.Phantom.SimulatePhantomActivity(r.Context(), mux.Vars(r)["user_id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"phantom": tx,
		"access":  access,
	})
}

func (s *Server) handleShadowSessions(w http.ResponseWriter, r *http.Request) {
	if s.opts.Shadow == nil {
		unavailable(w, "shadow sessions")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Shadow.ActiveSessions())
}

func (s *Server) handleShadowTerminate(w http.ResponseWriter, r *http.Request) {
	if s.opts.Shadow == nil {
		unavailable(w, "shadow sessions")
		return
	}
	userID := mux.Vars(r)["user_id"]
	s.opts.Shadow.TerminateSession(userID)
	writeJSON(w, http.StatusOK, map[string]string{"user_id": userID, "status": "terminated"})
}

func (s *Server) handleShadowForensics(w http.ResponseWriter, r *http.Request) {
	if s.opts.Shadow == nil {
		unavailable(w, "shadow sessions")
		return
	}
	forensics := s.opts.Shadow.ForensicAnalysis(mux.Vars(r)["user_id"])
	if forensics == nil {
		writeError(w, http.StatusNotFound, "no active session for user")
		return
	}
	writeJSON(w, http.StatusOK, forensics)
}

// StartShadowRequest opens a shadow session explicitly, outside the
// pipeline's automatic containment path.
type StartShadowRequest struct {
	Context shadow.Context `json:"context"`
}

func (s *Server) handleShadowStart(w http.ResponseWriter, r *http.Request) {
	if s.opts.Shadow == nil {
		unavailable(w, "shadow sessions")
		return
	}
	var req StartShadowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Context.UserID == "" {
		writeError(w, http.StatusBadRequest, "context.user_id is required")
		return
	}
	if err := s.opts.Shadow.StartShadowing(req.Context.UserID, req.Context); err != nil {
		if errors.Is(err, shadow.ErrSessionExists) {
			writeError(w, http.StatusConflict, errShadowExists.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.opts.Streamer != nil {
		s.opts.Streamer.StreamShadowOpened(req.Context.UserID, req.Context.UserID, "manual")
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"user_id": req.Context.UserID,
		"status":  "shadowing",
	})
}

func (s *Server) handleTrapsActive(w http.ResponseWriter, r *http.Request) {
	if s.opts.Traps == nil {
		unavailable(w, "trap engine")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Traps.ActiveTraps())
}

func (s *Server) handleTrapsTriggered(w http.ResponseWriter, r *http.Request) {
	if s.opts.Traps == nil {
		unavailable(w, "trap engine")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Traps.TriggeredTraps())
}

func (s *Server) handleTrapReports(w http.ResponseWriter, r *http.Request) {
	if s.opts.Traps == nil {
		unavailable(w, "trap engine")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Traps.AnalyzeTriggerPatterns())
}

var errShadowExists = errors.New("session already active")
