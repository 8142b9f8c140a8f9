package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wakefleet/cnc/internal/command"
	"github.com/wakefleet/cnc/internal/config"
	"github.com/wakefleet/cnc/internal/events"
	"github.com/wakefleet/cnc/internal/hosts"
	"github.com/wakefleet/cnc/internal/logging"
	"github.com/wakefleet/cnc/internal/node"
	"github.com/wakefleet/cnc/internal/protocol"
	"github.com/wakefleet/cnc/internal/store"
)

// stubRouter answers every route with a canned result or error and records
// the last call for assertions.
type stubRouter struct {
	err      error
	lastFQN  string
	lastOpts command.Options
}

func (s *stubRouter) RouteWake(fqn string, opts command.Options) (*command.WakeResult, error) {
	s.lastFQN, s.lastOpts = fqn, opts
	if s.err != nil {
		return nil, s.err
	}
	return &command.WakeResult{Success: true, Message: "Wake-on-LAN packet sent to " + fqn, CorrelationID: opts.CorrelationID}, nil
}

func (s *stubRouter) RoutePingHost(fqn string, opts command.Options) (*command.PingResult, error) {
	s.lastFQN, s.lastOpts = fqn, opts
	if s.err != nil {
		return nil, s.err
	}
	return &command.PingResult{Target: fqn, Success: true, Source: "node-agent"}, nil
}

func (s *stubRouter) RouteScan(nodeID string, immediate bool, opts command.Options) (*command.AckResult, error) {
	s.lastOpts = opts
	if s.err != nil {
		return nil, s.err
	}
	return &command.AckResult{Success: true}, nil
}

func (s *stubRouter) RouteScanHostPorts(fqn string, ports []int, timeoutMs int, opts command.Options) (*command.PortScanResult, error) {
	s.lastFQN, s.lastOpts = fqn, opts
	if s.err != nil {
		return nil, s.err
	}
	return &command.PortScanResult{Target: fqn, OpenPorts: ports}, nil
}

func (s *stubRouter) RouteUpdateHost(fqn string, req command.UpdateHostRequest, opts command.Options) (*command.AckResult, error) {
	s.lastFQN, s.lastOpts = fqn, opts
	if s.err != nil {
		return nil, s.err
	}
	return &command.AckResult{Success: true}, nil
}

func (s *stubRouter) RouteDeleteHost(fqn string, opts command.Options) (*command.AckResult, error) {
	s.lastFQN, s.lastOpts = fqn, opts
	if s.err != nil {
		return nil, s.err
	}
	return &command.AckResult{Success: true}, nil
}

func (s *stubRouter) RouteSleepHost(fqn string, opts command.Options) (*command.AckResult, error) {
	return s.RouteDeleteHost(fqn, opts)
}

func (s *stubRouter) RouteShutdownHost(fqn string, opts command.Options) (*command.AckResult, error) {
	return s.RouteDeleteHost(fqn, opts)
}

func (s *stubRouter) RetryCommand(id string) (protocol.CommandResult, error) {
	if s.err != nil {
		return protocol.CommandResult{}, s.err
	}
	return protocol.CommandResult{CommandID: id, Success: true}, nil
}

type stubHosts struct{ list []hosts.Host }

func (s *stubHosts) ListHosts() []hosts.Host { return s.list }

func (s *stubHosts) GetHostByFQN(fqn string) (*hosts.Host, error) {
	name, location, err := hosts.ParseFQN(fqn)
	if err != nil {
		return nil, err
	}
	key := hosts.BuildFQN(name, location)
	for i := range s.list {
		if s.list[i].FQN() == key {
			return &s.list[i], nil
		}
	}
	return nil, nil
}

type stubNodes struct{ recs []node.Record }

func (s *stubNodes) All() []node.Record { return s.recs }

type stubStatus struct{ online map[string]bool }

func (s *stubStatus) NodeStatus(nodeID string) string {
	if s.online[nodeID] {
		return node.StatusOnline
	}
	return node.StatusOffline
}

type webFixture struct {
	router *stubRouter
	store  *store.Store
	server *httptest.Server
	cfg    *config.Config
}

func newWebFixture(t *testing.T, apiTokens []string) *webFixture {
	t.Helper()

	st, err := store.Open(t.TempDir() + "/web.db")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{APITokens: apiTokens}
	router := &stubRouter{}
	srv := NewServer(Dependencies{
		Config: cfg,
		Router: router,
		Hosts: &stubHosts{list: []hosts.Host{
			{Name: "desk-pc", NodeID: "node-1", Location: "Home Office", MAC: "AA:BB:CC:DD:EE:FF"},
		}},
		Nodes:      &stubNodes{recs: []node.Record{{ID: "node-1", Location: "Home Office", Status: node.StatusOffline}}},
		NodeStatus: &stubStatus{online: map[string]bool{"node-1": true}},
		Commands:   st,
		Schedules:  st,
		Failures:   protocol.NewFailureCounter(),
		EventBus:   events.New(),
		NodeSocket: func(w http.ResponseWriter, r *http.Request) {},
		Log:        logging.New(false).Logger,
	})

	ts := httptest.NewServer(srv.mux)
	t.Cleanup(ts.Close)
	return &webFixture{router: router, store: st, server: ts, cfg: cfg}
}

func (f *webFixture) do(t *testing.T, method, path, token string, body string, hdr map[string]string) *http.Response {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func TestBearerAuth(t *testing.T) {
	f := newWebFixture(t, []string{"api-token"})

	if resp := f.do(t, "GET", "/api/hosts", "", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status %d", resp.StatusCode)
	}
	if resp := f.do(t, "GET", "/api/hosts", "wrong", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: status %d", resp.StatusCode)
	}
	if resp := f.do(t, "GET", "/api/hosts", "api-token", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("valid token: status %d", resp.StatusCode)
	}

	// Healthz and metrics stay open.
	if resp := f.do(t, "GET", "/healthz", "", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: status %d", resp.StatusCode)
	}
	if resp := f.do(t, "GET", "/metrics", "", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("metrics: status %d", resp.StatusCode)
	}
}

func TestOpenWhenNoTokensConfigured(t *testing.T) {
	f := newWebFixture(t, nil)
	if resp := f.do(t, "GET", "/api/hosts", "", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("status %d, want 200", resp.StatusCode)
	}
}

func TestCorrelationIDMiddleware(t *testing.T) {
	f := newWebFixture(t, nil)

	resp := f.do(t, "POST", "/api/hosts/desk-pc@Home%20Office/wake", "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	cid := resp.Header.Get("X-Correlation-Id")
	if !strings.HasPrefix(cid, "corr_") {
		t.Errorf("generated correlation id = %q", cid)
	}
	if f.router.lastOpts.CorrelationID != cid {
		t.Errorf("router saw correlation id %q, response echoed %q", f.router.lastOpts.CorrelationID, cid)
	}

	resp = f.do(t, "POST", "/api/hosts/desk-pc@Home%20Office/wake", "", "", map[string]string{"X-Correlation-Id": "corr-mine"})
	if got := resp.Header.Get("X-Correlation-Id"); got != "corr-mine" {
		t.Errorf("client correlation id not honoured: %q", got)
	}
}

func TestIdempotencyKeyPassThrough(t *testing.T) {
	f := newWebFixture(t, nil)

	f.do(t, "POST", "/api/hosts/desk-pc@Home%20Office/wake", "", "", map[string]string{"Idempotency-Key": "once"})
	if f.router.lastOpts.IdempotencyKey != "once" {
		t.Errorf("idempotency key = %q", f.router.lastOpts.IdempotencyKey)
	}
}

func TestRouteErrorMapping(t *testing.T) {
	f := newWebFixture(t, nil)

	cases := []struct {
		err  error
		want int
	}{
		{hosts.ErrInvalidFQNFormat, http.StatusBadRequest},
		{command.ErrMalformedResult, http.StatusBadRequest},
		{command.ErrHostNotFound, http.StatusNotFound},
		{&node.OfflineError{NodeID: "node-1"}, http.StatusServiceUnavailable},
		{command.ErrShuttingDown, http.StatusServiceUnavailable},
		{&command.TimeoutError{CommandID: "cmd_1", Attempt: 1, MaxRetries: 3, Timeout: time.Second}, http.StatusGatewayTimeout},
		{&command.FailedError{CommandID: "cmd_1", Reason: "node said no"}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		f.router.err = tc.err
		resp := f.do(t, "POST", "/api/hosts/desk-pc@Home%20Office/wake", "", "", nil)
		if resp.StatusCode != tc.want {
			t.Errorf("%T: status %d, want %d", tc.err, resp.StatusCode, tc.want)
		}
		body := decodeBody(t, resp)
		if body["error"] == "" {
			t.Errorf("%T: error body missing", tc.err)
		}
	}
}

func TestGetHost(t *testing.T) {
	f := newWebFixture(t, nil)

	resp := f.do(t, "GET", "/api/hosts/desk-pc@Home%20Office", "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["name"] != "desk-pc" {
		t.Errorf("host = %v", body)
	}

	if resp := f.do(t, "GET", "/api/hosts/ghost@Nowhere", "", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown host: status %d", resp.StatusCode)
	}
}

func TestListNodesSubstitutesLiveStatus(t *testing.T) {
	f := newWebFixture(t, nil)

	resp := f.do(t, "GET", "/api/nodes", "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var out []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0]["status"] != node.StatusOnline {
		t.Errorf("nodes = %v, want live online status", out)
	}
}

func TestCommandEndpoints(t *testing.T) {
	f := newWebFixture(t, nil)

	rec, err := f.store.EnqueueCommand(store.CommandRecord{ID: "cmd_1", NodeID: "node-1", Type: "wake"})
	if err != nil {
		t.Fatal(err)
	}

	resp := f.do(t, "GET", "/api/commands/"+rec.ID, "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get command: status %d", resp.StatusCode)
	}
	if resp := f.do(t, "GET", "/api/commands/cmd_missing", "", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing command: status %d", resp.StatusCode)
	}
	if resp := f.do(t, "GET", "/api/commands?limit=bogus", "", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus limit: status %d", resp.StatusCode)
	}
	if resp := f.do(t, "GET", "/api/commands", "", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("list commands: status %d", resp.StatusCode)
	}

	resp = f.do(t, "POST", "/api/commands/"+rec.ID+"/retry", "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("retry: status %d", resp.StatusCode)
	}
}

func TestScheduleCRUD(t *testing.T) {
	f := newWebFixture(t, nil)

	resp := f.do(t, "POST", "/api/schedules", "", `{"hostFqn":"desk-pc@Home%20Office","cron":"0 7 * * *"}`, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	id, _ := body["id"].(string)
	if !strings.HasPrefix(id, "sched_") {
		t.Fatalf("schedule id = %q", id)
	}
	if enabled, _ := body["enabled"].(bool); !enabled {
		t.Error("enabled did not default to true")
	}

	if ws, err := f.store.GetWakeSchedule(id); err != nil || !ws.Enabled {
		t.Errorf("schedule not persisted: %v %v", ws, err)
	}

	if resp := f.do(t, "POST", "/api/schedules", "", `{"hostFqn":"bad-fqn","cron":"0 7 * * *"}`, nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad fqn: status %d", resp.StatusCode)
	}
	if resp := f.do(t, "POST", "/api/schedules", "", `{"hostFqn":"desk-pc@Lab","cron":"not cron"}`, nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad cron: status %d", resp.StatusCode)
	}

	if resp := f.do(t, "GET", "/api/schedules/"+id, "", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("get: status %d", resp.StatusCode)
	}
	if resp := f.do(t, "DELETE", "/api/schedules/"+id, "", "", nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete: status %d", resp.StatusCode)
	}
	if resp := f.do(t, "GET", "/api/schedules/"+id, "", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete: status %d", resp.StatusCode)
	}
}

func TestProtocolFailuresEndpoint(t *testing.T) {
	f := newWebFixture(t, nil)

	resp := f.do(t, "GET", "/api/protocol-failures", "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if _, ok := body["total"]; !ok {
		t.Errorf("body = %v", body)
	}
}
