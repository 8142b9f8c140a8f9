// Package node owns every node-agent session: upgrade authentication, the
// registration handshake, heartbeat supervision, inbound demultiplexing, and
// outbound command delivery.
package node

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Node statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Record is the persisted registration of one node agent.
type Record struct {
	ID              string    `json:"id"`
	Location        string    `json:"location"`
	Capabilities    []string  `json:"capabilities,omitempty"`
	Version         string    `json:"version"`
	Platform        string    `json:"platform,omitempty"`
	ProtocolVersion string    `json:"protocol_version,omitempty"`
	Status          string    `json:"status"`
	RegisteredAt    time.Time `json:"registered_at"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
}

// NodeStore is the subset of store.Store needed by the registry.
// Defined as an interface for dependency injection.
type NodeStore interface {
	SaveNode(id string, data []byte) error
	GetNode(id string) ([]byte, error)
	ListNodes() (map[string][]byte, error)
	DeleteNode(id string) error
}

// Registry tracks registered nodes. All node metadata is persisted; every
// node starts offline after a restart until its agent reconnects.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*Record
	store NodeStore
	log   *slog.Logger
}

// NewRegistry creates a Registry backed by the given store.
// Call LoadFromStore() after construction to hydrate.
func NewRegistry(store NodeStore, log *slog.Logger) *Registry {
	return &Registry{
		nodes: make(map[string]*Record),
		store: store,
		log:   log,
	}
}

// LoadFromStore reads all persisted node registrations into the in-memory
// map, forcing every status to offline.
func (r *Registry) LoadFromStore() error {
	raw, err := r.store.ListNodes()
	if err != nil {
		return fmt.Errorf("load nodes: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, data := range raw {
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			r.log.Warn("skipping corrupt node record", "id", id, "error", err)
			continue
		}
		rec.Status = StatusOffline
		r.nodes[id] = &rec
	}

	r.log.Info("loaded nodes from store", "count", len(r.nodes))
	return nil
}

// Upsert installs or refreshes a node registration, preserving the original
// RegisteredAt across re-registrations, and persists it.
func (r *Registry) Upsert(rec Record) error {
	r.mu.Lock()
	if old, ok := r.nodes[rec.ID]; ok && !old.RegisteredAt.IsZero() {
		rec.RegisteredAt = old.RegisteredAt
	}
	r.nodes[rec.ID] = &rec
	cp := rec
	r.mu.Unlock()

	return r.persist(&cp)
}

// Get returns a copy of the node record.
func (r *Registry) Get(id string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.nodes[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// All returns a snapshot of every node record.
func (r *Registry) All() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.nodes))
	for _, rec := range r.nodes {
		out = append(out, *rec)
	}
	return out
}

// SetStatus flips a node's status and persists the record.
func (r *Registry) SetStatus(id, status string) error {
	r.mu.Lock()
	rec, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("node %s not found", id)
	}
	rec.Status = status
	cp := *rec
	r.mu.Unlock()

	return r.persist(&cp)
}

// TouchHeartbeat updates a node's LastHeartbeat timestamp and persists it.
func (r *Registry) TouchHeartbeat(id string, t time.Time) error {
	r.mu.Lock()
	rec, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("node %s not found", id)
	}
	rec.LastHeartbeat = t
	rec.Status = StatusOnline
	cp := *rec
	r.mu.Unlock()

	return r.persist(&cp)
}

// MarkStaleOffline flips every online node whose last heartbeat is older
// than maxAge to offline, returning the ids that changed.
func (r *Registry) MarkStaleOffline(maxAge time.Duration, now time.Time) []string {
	cutoff := now.Add(-maxAge)

	r.mu.Lock()
	var stale []*Record
	for _, rec := range r.nodes {
		if rec.Status == StatusOnline && rec.LastHeartbeat.Before(cutoff) {
			rec.Status = StatusOffline
			cp := *rec
			stale = append(stale, &cp)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(stale))
	for _, rec := range stale {
		ids = append(ids, rec.ID)
		if err := r.persist(rec); err != nil {
			r.log.Warn("failed to persist stale node", "id", rec.ID, "error", err)
		}
	}
	return ids
}

func (r *Registry) persist(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal node %s: %w", rec.ID, err)
	}
	if err := r.store.SaveNode(rec.ID, data); err != nil {
		return fmt.Errorf("persist node %s: %w", rec.ID, err)
	}
	return nil
}
