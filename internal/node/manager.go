package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wakefleet/cnc/internal/clock"
	"github.com/wakefleet/cnc/internal/config"
	"github.com/wakefleet/cnc/internal/events"
	"github.com/wakefleet/cnc/internal/hosts"
	"github.com/wakefleet/cnc/internal/metrics"
	"github.com/wakefleet/cnc/internal/protocol"
	"github.com/wakefleet/cnc/internal/token"
)

// ErrInvalidCommand wraps outbound commands that fail schema validation.
// Such commands are counted and rejected before anything reaches the wire.
var ErrInvalidCommand = errors.New("invalid outbound command")

// OfflineError is returned when a command targets a node without a live
// session.
type OfflineError struct {
	NodeID   string
	Location string
}

func (e *OfflineError) Error() string {
	return fmt.Sprintf("Node %s is offline", e.NodeID)
}

// HostSink receives host state changes derived from node traffic.
type HostSink interface {
	UpsertReported(h hosts.Host) error
	OnHostRemoved(nodeID, name string) error
	MarkNodeHostsUnreachable(nodeID string) (int, error)
}

// authKind distinguishes how an upgrade request authenticated.
type authKind int

const (
	authStatic authKind = iota
	authSession
)

// upgradeAuth is the authentication context carried from the HTTP upgrade
// into the registration handshake.
type upgradeAuth struct {
	kind   authKind
	token  string // the static token presented, for legacy echo comparison
	nodeID string // session tokens only: the subject the token is bound to
}

// resultBufferSize is the command-result hand-off buffer between session
// readers and the command router.
const resultBufferSize = 256

// Manager owns all node sessions. It authenticates upgrades, runs the
// registration handshake, demultiplexes inbound traffic, supervises
// heartbeats, and delivers outbound commands.
type Manager struct {
	cfg      *config.Config
	registry *Registry
	hosts    HostSink
	minter   *token.Minter
	bus      *events.Bus
	failures *protocol.FailureCounter
	clock    clock.Clock
	log      *slog.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session

	results chan protocol.CommandResult

	wg sync.WaitGroup
}

// NewManager wires a Manager. Call Run to start heartbeat supervision and
// Shutdown to close every session.
func NewManager(cfg *config.Config, registry *Registry, sink HostSink, minter *token.Minter, bus *events.Bus, failures *protocol.FailureCounter, clk clock.Clock, log *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		registry: registry,
		hosts:    sink,
		minter:   minter,
		bus:      bus,
		failures: failures,
		clock:    clk,
		log:      log.With("component", "node-manager"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Node agents are headless; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
		results:  make(chan protocol.CommandResult, resultBufferSize),
	}
}

// Results exposes the stream of command acknowledgements read from nodes.
// The command router is the single consumer.
func (m *Manager) Results() <-chan protocol.CommandResult {
	return m.results
}

// HandleNodeSocket upgrades /ws/node requests and serves the session until
// the transport dies.
func (m *Manager) HandleNodeSocket(w http.ResponseWriter, r *http.Request) {
	auth, err := m.authenticateUpgrade(r)
	if err != nil {
		metrics.SessionsRejected.WithLabelValues("unauthorized").Inc()
		m.log.Warn("node upgrade rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.serve(conn, auth)
	}()
}

// authenticateUpgrade checks the upgrade request's credentials. A session
// token (X-Session-Token) wins over a static node token when both are
// present.
func (m *Manager) authenticateUpgrade(r *http.Request) (*upgradeAuth, error) {
	if st := r.Header.Get("X-Session-Token"); st != "" {
		nodeID, _, err := m.minter.Verify(st)
		if err != nil {
			return nil, fmt.Errorf("session token: %w", err)
		}
		return &upgradeAuth{kind: authSession, nodeID: nodeID}, nil
	}

	tok := r.Header.Get("X-Node-Token")
	if tok == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			tok = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if tok == "" {
		return nil, errors.New("no credentials presented")
	}
	for _, want := range m.cfg.NodeAuthTokens {
		if tok == want {
			return &upgradeAuth{kind: authStatic, token: tok}, nil
		}
	}
	return nil, errors.New("unknown node token")
}

// serve runs one session: registration handshake first, then the inbound
// demultiplexer, then teardown.
func (m *Manager) serve(conn *websocket.Conn, auth *upgradeAuth) {
	sess := newSession(conn, m.log)
	go sess.writePump()

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(m.cfg.NodeTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(m.cfg.NodeTimeout))
		return nil
	})

	if !m.register(sess, auth) {
		return
	}
	defer m.teardown(sess)

	m.readLoop(sess)
}

// register runs the handshake: the first well-formed frame must be a
// register message that passes the auth checks. Returns false when the
// session was closed instead of installed.
func (m *Manager) register(sess *session, auth *upgradeAuth) bool {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			sess.close(websocket.CloseAbnormalClosure, "")
			return false
		}
		sess.conn.SetReadDeadline(time.Now().Add(m.cfg.NodeTimeout))

		msg, err := protocol.ParseNodeMessage(data)
		if err != nil {
			m.recordInboundFailure(sess, data, err)
			continue
		}
		if msg.Type != protocol.TypeRegister {
			metrics.SessionsRejected.WithLabelValues("registration_required").Inc()
			sess.close(protocol.CloseRegistrationRequired, "Registration required")
			return false
		}

		reg := msg.Register
		if auth.kind == authSession && reg.NodeID != auth.nodeID {
			metrics.SessionsRejected.WithLabelValues("session_subject_mismatch").Inc()
			m.log.Warn("register rejected: session token bound to another node",
				"claimed", reg.NodeID, "bound", auth.nodeID)
			sess.close(protocol.CloseRegistrationRequired, "Registration required")
			return false
		}
		if auth.kind == authStatic && reg.AuthToken != "" && reg.AuthToken != auth.token {
			metrics.SessionsRejected.WithLabelValues("auth_token_mismatch").Inc()
			sess.close(protocol.CloseInvalidAuth, "Invalid auth token")
			return false
		}
		if pv := reg.Metadata.ProtocolVersion; pv != "" && !protocol.VersionSupported(pv) {
			metrics.SessionsRejected.WithLabelValues("unsupported_protocol").Inc()
			sess.close(protocol.CloseUnsupportedProtocol, "Unsupported protocol version")
			return false
		}

		return m.installSession(sess, reg)
	}
}

// installSession persists the registration, binds the session to its node
// id, replaces any stale session for the same node, and sends the
// registered reply with a fresh session token.
func (m *Manager) installSession(sess *session, reg *protocol.Register) bool {
	now := m.clock.Now().UTC()
	rec := Record{
		ID:              reg.NodeID,
		Location:        reg.Location,
		Capabilities:    reg.Capabilities,
		Version:         reg.Metadata.Version,
		Platform:        reg.Metadata.Platform,
		ProtocolVersion: reg.Metadata.ProtocolVersion,
		Status:          StatusOnline,
		RegisteredAt:    now,
		LastHeartbeat:   now,
	}
	if rec.ProtocolVersion == "" {
		rec.ProtocolVersion = protocol.Version
	}
	if err := m.registry.Upsert(rec); err != nil {
		m.log.Error("failed to persist registration", "nodeID", reg.NodeID, "error", err)
		metrics.SessionsRejected.WithLabelValues("registration_failed").Inc()
		sess.close(protocol.CloseRegistrationFailed, "Registration failed")
		return false
	}

	sessionToken, expiresAt, err := m.minter.Mint(reg.NodeID)
	if err != nil {
		m.log.Error("failed to mint session token", "nodeID", reg.NodeID, "error", err)
		metrics.SessionsRejected.WithLabelValues("registration_failed").Inc()
		sess.close(protocol.CloseRegistrationFailed, "Registration failed")
		return false
	}

	sess.nodeID = reg.NodeID
	sess.location = reg.Location
	sess.log = m.log.With("nodeID", reg.NodeID)

	m.mu.Lock()
	if old, ok := m.sessions[reg.NodeID]; ok {
		// One live session per node: the newest registration wins.
		old.close(protocol.CloseShutdown, "Session superseded")
	}
	m.sessions[reg.NodeID] = sess
	m.mu.Unlock()

	reply := protocol.Registered{
		Type:              protocol.TypeRegistered,
		NodeID:            reg.NodeID,
		HeartbeatInterval: m.cfg.NodeHeartbeatInterval.Milliseconds(),
		ProtocolVersion:   rec.ProtocolVersion,
		SessionToken:      sessionToken,
		SessionExpiresAt:  expiresAt,
	}
	data, err := json.Marshal(reply)
	if err != nil {
		sess.close(protocol.CloseRegistrationFailed, "Registration failed")
		return false
	}
	if err := sess.enqueue(data); err != nil {
		sess.close(protocol.CloseRegistrationFailed, "Registration failed")
		return false
	}

	metrics.NodesRegisteredTotal.Inc()
	metrics.NodesConnected.Inc()
	m.bus.Publish(events.FleetEvent{
		Type:      events.EventNodeOnline,
		NodeID:    reg.NodeID,
		Timestamp: now,
	})
	sess.log.Info("node registered",
		"location", reg.Location,
		"version", reg.Metadata.Version,
		"protocolVersion", rec.ProtocolVersion)
	return true
}

// readLoop demultiplexes inbound frames after registration. The session's
// bound node id always overrides whatever id the payload claims.
func (m *Manager) readLoop(sess *session) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		sess.conn.SetReadDeadline(time.Now().Add(m.cfg.NodeTimeout))

		msg, err := protocol.ParseNodeMessage(data)
		if err != nil {
			m.recordInboundFailure(sess, data, err)
			continue
		}
		msg.NodeID = sess.nodeID

		switch msg.Type {
		case protocol.TypeRegister:
			metrics.SessionsRejected.WithLabelValues("duplicate_registration").Inc()
			sess.close(protocol.CloseDuplicateRegistration, "Already registered")
			return

		case protocol.TypeHeartbeat:
			if err := m.registry.TouchHeartbeat(sess.nodeID, m.clock.Now().UTC()); err != nil {
				sess.log.Warn("heartbeat not recorded", "error", err)
			}

		case protocol.TypeHostDiscovered, protocol.TypeHostUpdated:
			m.handleHostReport(sess, msg)

		case protocol.TypeHostRemoved:
			if err := m.hosts.OnHostRemoved(sess.nodeID, msg.Host.Name); err != nil {
				sess.log.Warn("host removal not applied", "host", msg.Host.Name, "error", err)
			}
			m.bus.Publish(events.FleetEvent{
				Type:      events.EventHostRemoved,
				NodeID:    sess.nodeID,
				HostName:  msg.Host.Name,
				Timestamp: m.clock.Now().UTC(),
			})

		case protocol.TypeScanComplete:
			m.bus.Publish(events.FleetEvent{
				Type:      events.EventScanComplete,
				NodeID:    sess.nodeID,
				Message:   fmt.Sprintf("scan found %d hosts", msg.ScanComplete.HostsSeen),
				Timestamp: m.clock.Now().UTC(),
			})

		case protocol.TypeCommandResult:
			select {
			case m.results <- *msg.Result:
			default:
				// Router has stalled; keep the session alive and drop with a
				// trace. Reconciliation times the command out later.
				sess.log.Error("command result dropped, router backlogged",
					"commandID", msg.Result.CommandID)
			}
		}
	}
}

func (m *Manager) handleHostReport(sess *session, msg *protocol.NodeMessage) {
	h := hosts.Host{
		Name:     msg.Host.Name,
		NodeID:   sess.nodeID,
		Location: sess.location,
		MAC:      msg.Host.MAC,
		IP:       msg.Host.IP,
		Status:   msg.Host.Status,
		Notes:    msg.Host.Notes,
		Tags:     msg.Host.Tags,
	}
	if err := m.hosts.UpsertReported(h); err != nil {
		sess.log.Warn("host report not applied", "host", h.Name, "error", err)
		return
	}
	evt := events.EventHostDiscovered
	if msg.Type == protocol.TypeHostUpdated {
		evt = events.EventHostUpdated
	}
	m.bus.Publish(events.FleetEvent{
		Type:      evt,
		NodeID:    sess.nodeID,
		HostName:  h.Name,
		Timestamp: m.clock.Now().UTC(),
	})
}

// recordInboundFailure counts a malformed frame, logs a redacted rendering
// of it, and answers with a soft error. The session stays open.
func (m *Manager) recordInboundFailure(sess *session, data []byte, parseErr error) {
	msgType := protocol.SniffType(data)
	m.failures.Record(protocol.DirInbound, msgType)
	metrics.ProtocolFailures.WithLabelValues(string(protocol.DirInbound), msgType).Inc()

	sess.log.Warn("invalid node message",
		"type", msgType,
		"error", parseErr,
		"payload", protocol.RedactPayload(data))

	if reply, err := json.Marshal(protocol.SoftError()); err == nil {
		sess.enqueue(reply)
	}
}

// teardown runs when a registered session's transport dies: the session is
// unmapped, the node flipped offline, and its hosts marked unreachable.
func (m *Manager) teardown(sess *session) {
	sess.close(websocket.CloseAbnormalClosure, "")

	m.mu.Lock()
	current := m.sessions[sess.nodeID] == sess
	if current {
		delete(m.sessions, sess.nodeID)
	}
	m.mu.Unlock()

	if !current {
		// A newer session superseded this one; the node is still online.
		return
	}

	metrics.NodesConnected.Dec()
	if err := m.registry.SetStatus(sess.nodeID, StatusOffline); err != nil {
		m.log.Warn("failed to mark node offline", "nodeID", sess.nodeID, "error", err)
	}
	m.markHostsUnreachable(sess.nodeID)
	m.bus.Publish(events.FleetEvent{
		Type:      events.EventNodeOffline,
		NodeID:    sess.nodeID,
		Timestamp: m.clock.Now().UTC(),
	})
	m.log.Info("node disconnected", "nodeID", sess.nodeID)
}

func (m *Manager) markHostsUnreachable(nodeID string) {
	count, err := m.hosts.MarkNodeHostsUnreachable(nodeID)
	if err != nil {
		m.log.Warn("failed to mark hosts unreachable", "nodeID", nodeID, "error", err)
		return
	}
	if count > 0 {
		metrics.HostsUnreachableMarked.Add(float64(count))
	}
}

// SendCommand validates and writes one command to a node's session.
func (m *Manager) SendCommand(nodeID string, cmd *protocol.Command) error {
	if err := protocol.ValidateCommand(cmd); err != nil {
		m.failures.Record(protocol.DirOutbound, cmd.Type)
		metrics.ProtocolFailures.WithLabelValues(string(protocol.DirOutbound), cmd.Type).Inc()
		m.log.Warn("outbound command rejected", "type", cmd.Type, "commandID", cmd.CommandID, "error", err)
		return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	sess := m.session(nodeID)
	if sess == nil {
		return &OfflineError{NodeID: nodeID}
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command %s: %w", cmd.CommandID, err)
	}
	if err := sess.enqueue(data); err != nil {
		return fmt.Errorf("send command %s to node %s: %w", cmd.CommandID, nodeID, err)
	}
	return nil
}

// IsOnline reports whether the node has a live session right now.
func (m *Manager) IsOnline(nodeID string) bool {
	return m.session(nodeID) != nil
}

// NodeStatus returns online when a live session exists, otherwise the
// persisted status, otherwise unknown.
func (m *Manager) NodeStatus(nodeID string) string {
	if m.IsOnline(nodeID) {
		return StatusOnline
	}
	if rec, ok := m.registry.Get(nodeID); ok {
		return rec.Status
	}
	return "unknown"
}

func (m *Manager) session(nodeID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[nodeID]
}

// Run supervises heartbeats until ctx is cancelled: nodes whose last
// heartbeat is older than the node timeout are flipped offline and their
// hosts marked unreachable.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.NodeHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepStale()
		}
	}
}

func (m *Manager) sweepStale() {
	stale := m.registry.MarkStaleOffline(m.cfg.NodeTimeout, m.clock.Now().UTC())
	for _, id := range stale {
		if sess := m.session(id); sess != nil {
			// Half-open transport: the read deadline will reap it, but
			// close now so outbound writers stop targeting it.
			sess.close(protocol.CloseShutdown, "Heartbeat timeout")
		}
		m.markHostsUnreachable(id)
		m.bus.Publish(events.FleetEvent{
			Type:      events.EventNodeOffline,
			NodeID:    id,
			Timestamp: m.clock.Now().UTC(),
		})
		m.log.Info("node timed out", "nodeID", id)
	}
}

// Shutdown closes every session with a normal-closure frame and waits for
// the session goroutines to drain.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, sess := range m.sessions {
		sess.close(protocol.CloseShutdown, "Server shutdown")
	}
	m.mu.Unlock()
	m.wg.Wait()
}
