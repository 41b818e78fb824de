package api

import (
	"net/http"

	"github.com/seantiz/conduit/internal/dispatch"
	"github.com/seantiz/conduit/internal/isolation"
	"github.com/seantiz/conduit/internal/pool"
	"github.com/seantiz/conduit/internal/store"
	"github.com/seantiz/conduit/internal/txn"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Pool         pool.Stats           `json:"pool"`
	Dispatch     dispatch.Stats       `json:"dispatch"`
	Transactions txn.Stats            `json:"transactions"`
	Locks        *isolation.LockStats `json:"locks,omitempty"`
	Journal      *store.TaskStats     `json:"journal"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	journal, err := s.store.GetTaskStats(r.Context())
	if err != nil {
		s.logger.Error("get task stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	resp := statsResponse{
		Pool:         s.pool.Stats(),
		Dispatch:     s.dispatcher.Stats(),
		Transactions: s.txn.Stats(),
		Journal:      journal,
	}
	if s.locks != nil {
		ls := s.locks.Stats()
		resp.Locks = &ls
	}
	s.writeJSON(w, http.StatusOK, resp)
}
