// Package hosts maintains the denormalised host records the control plane
// serves to clients, keyed by fully-qualified name. Records are fed by node
// reports and pruned when nodes drop offline.
package hosts

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Host statuses as reported by nodes or derived by the control plane.
const (
	StatusOnline      = "online"
	StatusOffline     = "offline"
	StatusUnreachable = "unreachable"
	StatusUnknown     = "unknown"
)

// Host is a denormalised record of one machine behind a node agent.
type Host struct {
	Name      string    `json:"name"`
	NodeID    string    `json:"node_id"`
	Location  string    `json:"location"` // decoded, human label
	MAC       string    `json:"mac,omitempty"`
	IP        string    `json:"ip,omitempty"`
	Status    string    `json:"status"`
	Notes     string    `json:"notes,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// FQN returns the host's canonical fully-qualified name.
func (h Host) FQN() string {
	return BuildFQN(h.Name, h.Location)
}

// HostStore is the subset of store.Store needed by the aggregator.
// Defined as an interface for dependency injection.
type HostStore interface {
	SaveHost(fqn string, data []byte) error
	GetHost(fqn string) ([]byte, error)
	ListHosts() (map[string][]byte, error)
	DeleteHost(fqn string) error
}

// Aggregator is the read/write store of host records. All records are
// persisted; an in-memory map serves reads and is hydrated on startup.
type Aggregator struct {
	mu    sync.RWMutex
	hosts map[string]*Host // keyed by canonical FQN
	store HostStore
	log   *slog.Logger
}

// NewAggregator creates an Aggregator backed by the given store.
// Call LoadFromStore() after construction to hydrate.
func NewAggregator(store HostStore, log *slog.Logger) *Aggregator {
	return &Aggregator{
		hosts: make(map[string]*Host),
		store: store,
		log:   log.With("component", "host-aggregator"),
	}
}

// LoadFromStore reads all persisted host records into the in-memory map.
func (a *Aggregator) LoadFromStore() error {
	raw, err := a.store.ListHosts()
	if err != nil {
		return fmt.Errorf("load hosts: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for fqn, data := range raw {
		var h Host
		if err := json.Unmarshal(data, &h); err != nil {
			a.log.Warn("skipping corrupt host record", "fqn", fqn, "error", err)
			continue
		}
		a.hosts[fqn] = &h
	}

	a.log.Info("loaded hosts from store", "count", len(a.hosts))
	return nil
}

// GetHostByFQN returns a copy of the host record, or nil if unknown. The
// lookup is canonicalising: HTTP routers hand over decoded path segments, so
// "pc@Home Office" and "pc@Home%20Office" both find the same record.
func (a *Aggregator) GetHostByFQN(fqn string) (*Host, error) {
	name, location, err := ParseFQN(fqn)
	if err != nil {
		return nil, err
	}
	key := BuildFQN(name, location)

	a.mu.RLock()
	defer a.mu.RUnlock()

	h, ok := a.hosts[key]
	if !ok {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}

// ListHosts returns a snapshot of every host record.
func (a *Aggregator) ListHosts() []Host {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]Host, 0, len(a.hosts))
	for _, h := range a.hosts {
		out = append(out, *h)
	}
	return out
}

// UpsertReported merges a host report from a node into the aggregate.
// FirstSeen is preserved across updates; everything else is the node's view.
func (a *Aggregator) UpsertReported(h Host) error {
	fqn := h.FQN()
	now := time.Now().UTC()
	h.LastSeen = now

	a.mu.Lock()
	if old, ok := a.hosts[fqn]; ok {
		h.FirstSeen = old.FirstSeen
		if h.Status == "" {
			h.Status = old.Status
		}
	} else {
		h.FirstSeen = now
		if h.Status == "" {
			h.Status = StatusUnknown
		}
	}
	a.hosts[fqn] = &h
	a.mu.Unlock()

	return a.persist(fqn, &h)
}

// OnHostRemoved deletes the record for a host a node no longer manages.
// Identified by node id and bare hostname, as delete-host results carry no
// location.
func (a *Aggregator) OnHostRemoved(nodeID, name string) error {
	a.mu.Lock()
	var fqn string
	for key, h := range a.hosts {
		if h.NodeID == nodeID && h.Name == name {
			fqn = key
			delete(a.hosts, key)
			break
		}
	}
	a.mu.Unlock()

	if fqn == "" {
		return nil
	}
	if err := a.store.DeleteHost(fqn); err != nil {
		return fmt.Errorf("delete host %s: %w", fqn, err)
	}
	a.log.Info("host removed", "fqn", fqn, "nodeID", nodeID)
	return nil
}

// MarkNodeHostsUnreachable flips every host behind the given node to
// unreachable. Returns how many hosts changed.
func (a *Aggregator) MarkNodeHostsUnreachable(nodeID string) (int, error) {
	a.mu.Lock()
	var changed []*Host
	for _, h := range a.hosts {
		if h.NodeID == nodeID && h.Status != StatusUnreachable {
			h.Status = StatusUnreachable
			cp := *h
			changed = append(changed, &cp)
		}
	}
	a.mu.Unlock()

	for _, h := range changed {
		if err := a.persist(h.FQN(), h); err != nil {
			a.log.Warn("failed to persist unreachable host", "fqn", h.FQN(), "error", err)
		}
	}
	if len(changed) > 0 {
		a.log.Info("marked node hosts unreachable", "nodeID", nodeID, "count", len(changed))
	}
	return len(changed), nil
}

func (a *Aggregator) persist(fqn string, h *Host) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal host %s: %w", fqn, err)
	}
	if err := a.store.SaveHost(fqn, data); err != nil {
		return fmt.Errorf("persist host %s: %w", fqn, err)
	}
	return nil
}
