package web

import (
	"encoding/json"
	"net/http"

	"github.com/wakefleet/cnc/internal/command"
)

// routeOpts builds command options from the request's correlation id and
// Idempotency-Key header.
func routeOpts(r *http.Request) command.Options {
	return command.Options{
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		CorrelationID:  correlationID(r),
	}
}

func (s *Server) apiListHosts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Hosts.ListHosts())
}

func (s *Server) apiGetHost(w http.ResponseWriter, r *http.Request) {
	fqn := r.PathValue("fqn")
	h, err := s.deps.Hosts.GetHostByFQN(fqn)
	if err != nil {
		writeRouteError(w, err)
		return
	}
	if h == nil {
		writeError(w, http.StatusNotFound, "host not found: "+fqn)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) apiWakeHost(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Router.RouteWake(r.PathValue("fqn"), routeOpts(r))
	if err != nil {
		writeRouteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) apiPingHost(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Router.RoutePingHost(r.PathValue("fqn"), routeOpts(r))
	if err != nil {
		writeRouteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) apiScanHostPorts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ports     []int `json:"ports"`
		TimeoutMs int   `json:"timeoutMs"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	res, err := s.deps.Router.RouteScanHostPorts(r.PathValue("fqn"), req.Ports, req.TimeoutMs, routeOpts(r))
	if err != nil {
		writeRouteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) apiUpdateHost(w http.ResponseWriter, r *http.Request) {
	var req command.UpdateHostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	res, err := s.deps.Router.RouteUpdateHost(r.PathValue("fqn"), req, routeOpts(r))
	if err != nil {
		writeRouteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) apiDeleteHost(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Router.RouteDeleteHost(r.PathValue("fqn"), routeOpts(r))
	if err != nil {
		writeRouteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) apiSleepHost(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Router.RouteSleepHost(r.PathValue("fqn"), routeOpts(r))
	if err != nil {
		writeRouteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) apiShutdownHost(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Router.RouteShutdownHost(r.PathValue("fqn"), routeOpts(r))
	if err != nil {
		writeRouteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
