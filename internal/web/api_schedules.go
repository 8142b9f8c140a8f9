package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wakefleet/cnc/internal/hosts"
	"github.com/wakefleet/cnc/internal/schedule"
	"github.com/wakefleet/cnc/internal/store"
)

func (s *Server) apiListSchedules(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Schedules.ListWakeSchedules()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) apiGetSchedule(w http.ResponseWriter, r *http.Request) {
	ws, err := s.deps.Schedules.GetWakeSchedule(r.PathValue("id"))
	if err != nil {
		writeRouteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) apiCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HostFQN string `json:"hostFqn"`
		Cron    string `json:"cron"`
		Enabled *bool  `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if _, _, err := hosts.ParseFQN(req.HostFQN); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	now := time.Now().UTC()
	next, err := schedule.NextRun(req.Cron, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ws := store.WakeSchedule{
		ID:        "sched_" + uuid.NewString(),
		HostFQN:   req.HostFQN,
		Cron:      req.Cron,
		Enabled:   req.Enabled == nil || *req.Enabled,
		CreatedAt: now,
		NextRunAt: next,
	}
	if err := s.deps.Schedules.SaveWakeSchedule(ws); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) apiDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Schedules.DeleteWakeSchedule(r.PathValue("id")); err != nil {
		writeRouteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
