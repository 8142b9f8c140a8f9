package web

import (
	"encoding/json"
	"net/http"
)

// nodeView is a node record with its live status substituted in.
type nodeView struct {
	ID              string `json:"id"`
	Location        string `json:"location"`
	Version         string `json:"version"`
	Platform        string `json:"platform,omitempty"`
	ProtocolVersion string `json:"protocolVersion,omitempty"`
	Status          string `json:"status"`
	RegisteredAt    string `json:"registeredAt"`
	LastHeartbeat   string `json:"lastHeartbeat"`
}

func (s *Server) apiListNodes(w http.ResponseWriter, r *http.Request) {
	recs := s.deps.Nodes.All()
	out := make([]nodeView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, nodeView{
			ID:              rec.ID,
			Location:        rec.Location,
			Version:         rec.Version,
			Platform:        rec.Platform,
			ProtocolVersion: rec.ProtocolVersion,
			Status:          s.deps.NodeStatus.NodeStatus(rec.ID),
			RegisteredAt:    rec.RegisteredAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			LastHeartbeat:   rec.LastHeartbeat.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) apiScanNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Immediate bool `json:"immediate"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	res, err := s.deps.Router.RouteScan(r.PathValue("id"), req.Immediate, routeOpts(r))
	if err != nil {
		writeRouteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
