package web

import (
	"net/http"
	"strconv"
)

const defaultCommandListLimit = 100

func (s *Server) apiListCommands(w http.ResponseWriter, r *http.Request) {
	limit := defaultCommandListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	recs, err := s.deps.Commands.ListCommands(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) apiGetCommand(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Commands.FindCommand(r.PathValue("id"))
	if err != nil {
		writeRouteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// apiRetryCommand requeues and redispatches a failed or timed-out command,
// blocking until the retry settles like any other route.
func (s *Server) apiRetryCommand(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Router.RetryCommand(r.PathValue("id"))
	if err != nil {
		writeRouteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) apiProtocolFailures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"total":  s.deps.Failures.Total(),
		"byType": s.deps.Failures.Snapshot(),
	})
}
