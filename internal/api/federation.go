package api

import (
	"encoding/json"
	"io"
	"net/http"
)

// PatternRequest submits a confirmed fraud case for federated
// propagation. Only abstract features cross this boundary.
type PatternRequest struct {
	Features map[string]float64 `json:"features"`
}

func (s *Server) handleFederationPattern(w http.ResponseWriter, r *http.Request) {
	if s.opts.Coordinator == nil {
		unavailable(w, "federation")
		return
	}
	var req PatternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Features) == 0 {
		writeError(w, http.StatusBadRequest, "features map is required")
		return
	}
	result, err := s.opts.Coordinator.ProcessPattern(r.Context(), req.Features)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleFederationDelta is the peer-facing intake: an encrypted
// envelope from another node, decrypted and applied to the local model.
func (s *Server) handleFederationDelta(w http.ResponseWriter, r *http.Request) {
	if s.opts.Coordinator == nil || s.opts.Broadcaster == nil {
		unavailable(w, "federation")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	pkg, nodeID, err := s.opts.Broadcaster.DecodeEnvelope(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid envelope")
		return
	}
	version, err := s.opts.Coordinator.ApplyPeerDelta(pkg)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.logger.Printf("applied delta from peer %s, model version %s", nodeID, version)
	writeJSON(w, http.StatusOK, map[string]string{
		"node_id":       nodeID,
		"model_version": version,
	})
}
