// Package web is the HTTP surface of the control plane: the fleet API, the
// SSE event stream, the metrics endpoint, and the node websocket entry
// point.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wakefleet/cnc/internal/command"
	"github.com/wakefleet/cnc/internal/config"
	"github.com/wakefleet/cnc/internal/events"
	"github.com/wakefleet/cnc/internal/hosts"
	"github.com/wakefleet/cnc/internal/node"
	"github.com/wakefleet/cnc/internal/protocol"
	"github.com/wakefleet/cnc/internal/store"
)

// CommandRouter is what the handlers need from the command router.
type CommandRouter interface {
	RouteWake(fqn string, opts command.Options) (*command.WakeResult, error)
	RoutePingHost(fqn string, opts command.Options) (*command.PingResult, error)
	RouteScan(nodeID string, immediate bool, opts command.Options) (*command.AckResult, error)
	RouteScanHostPorts(fqn string, ports []int, timeoutMs int, opts command.Options) (*command.PortScanResult, error)
	RouteUpdateHost(fqn string, req command.UpdateHostRequest, opts command.Options) (*command.AckResult, error)
	RouteDeleteHost(fqn string, opts command.Options) (*command.AckResult, error)
	RouteSleepHost(fqn string, opts command.Options) (*command.AckResult, error)
	RouteShutdownHost(fqn string, opts command.Options) (*command.AckResult, error)
	RetryCommand(id string) (protocol.CommandResult, error)
}

// HostDirectory reads the host aggregate.
type HostDirectory interface {
	ListHosts() []hosts.Host
	GetHostByFQN(fqn string) (*hosts.Host, error)
}

// NodeDirectory reads node registrations and live status.
type NodeDirectory interface {
	All() []node.Record
}

// NodeStatuser answers live-session status queries.
type NodeStatuser interface {
	NodeStatus(nodeID string) string
}

// CommandLog reads the persisted command lifecycle.
type CommandLog interface {
	ListCommands(limit int) ([]store.CommandRecord, error)
	FindCommand(id string) (*store.CommandRecord, error)
}

// ScheduleStore reads and writes wake schedules.
type ScheduleStore interface {
	SaveWakeSchedule(ws store.WakeSchedule) error
	GetWakeSchedule(id string) (*store.WakeSchedule, error)
	DeleteWakeSchedule(id string) error
	ListWakeSchedules() ([]store.WakeSchedule, error)
}

// FailureReader exposes the protocol-failure counters for operators.
type FailureReader interface {
	Total() uint64
	Snapshot() map[string]uint64
}

// Dependencies defines what the HTTP server needs from the rest of the
// application.
type Dependencies struct {
	Config     *config.Config
	Router     CommandRouter
	Hosts      HostDirectory
	Nodes      NodeDirectory
	NodeStatus NodeStatuser
	Commands   CommandLog
	Schedules  ScheduleStore
	Failures   FailureReader
	EventBus   *events.Bus
	NodeSocket http.HandlerFunc
	Log        *slog.Logger
}

// Server is the control-plane HTTP server.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	authed := func(h http.HandlerFunc) http.Handler {
		return s.withCorrelationID(s.withBearerAuth(h))
	}

	// Node agents authenticate inside the upgrade, not with API tokens.
	s.mux.HandleFunc("GET /ws/node", s.deps.NodeSocket)

	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.mux.Handle("GET /api/hosts", authed(s.apiListHosts))
	s.mux.Handle("GET /api/hosts/{fqn}", authed(s.apiGetHost))
	s.mux.Handle("POST /api/hosts/{fqn}/wake", authed(s.apiWakeHost))
	s.mux.Handle("POST /api/hosts/{fqn}/ping", authed(s.apiPingHost))
	s.mux.Handle("POST /api/hosts/{fqn}/ports", authed(s.apiScanHostPorts))
	s.mux.Handle("POST /api/hosts/{fqn}/sleep", authed(s.apiSleepHost))
	s.mux.Handle("POST /api/hosts/{fqn}/shutdown", authed(s.apiShutdownHost))
	s.mux.Handle("PATCH /api/hosts/{fqn}", authed(s.apiUpdateHost))
	s.mux.Handle("DELETE /api/hosts/{fqn}", authed(s.apiDeleteHost))

	s.mux.Handle("GET /api/nodes", authed(s.apiListNodes))
	s.mux.Handle("POST /api/nodes/{id}/scan", authed(s.apiScanNode))

	s.mux.Handle("GET /api/commands", authed(s.apiListCommands))
	s.mux.Handle("GET /api/commands/{id}", authed(s.apiGetCommand))
	s.mux.Handle("POST /api/commands/{id}/retry", authed(s.apiRetryCommand))
	s.mux.Handle("GET /api/protocol-failures", authed(s.apiProtocolFailures))

	s.mux.Handle("GET /api/schedules", authed(s.apiListSchedules))
	s.mux.Handle("POST /api/schedules", authed(s.apiCreateSchedule))
	s.mux.Handle("GET /api/schedules/{id}", authed(s.apiGetSchedule))
	s.mux.Handle("DELETE /api/schedules/{id}", authed(s.apiDeleteSchedule))

	s.mux.Handle("GET /events", authed(s.apiSSE))
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE and node sockets are long-lived
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("http server listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeRouteError maps the routing error taxonomy onto HTTP statuses.
func writeRouteError(w http.ResponseWriter, err error) {
	var offline *node.OfflineError
	var timeout *command.TimeoutError
	var failed *command.FailedError

	switch {
	case errors.Is(err, hosts.ErrInvalidFQNFormat),
		errors.Is(err, hosts.ErrInvalidFQNEncoding),
		errors.Is(err, node.ErrInvalidCommand),
		errors.Is(err, command.ErrMalformedResult):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, command.ErrHostNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &offline), errors.Is(err, command.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &timeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &failed):
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
