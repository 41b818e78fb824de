package api

import (
	"context"
	"net/http"
)

type healthResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

// handleHealthz reports unhealthy once the pool is shut down or the journal
// stops answering.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.pool != nil && s.pool.Stats().Closed {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Reason: "pool closed"})
		return
	}
	if p, ok := s.store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			s.logger.Error("journal ping", "error", err)
			s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Reason: "journal unreachable"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
