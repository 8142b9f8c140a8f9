package metrics

import (
	"sync"
	"time"
)

// commandState is the ephemeral per-command record kept between dispatch and
// result. It exists so a late result can still be attributed and correlated
// after the waiting caller has given up.
type commandState struct {
	CorrelationID string
	Type          string
	DispatchedAt  time.Time
	TimedOut      bool
}

// Runtime tracks in-flight command state and feeds the aggregate Prometheus
// counters. One instance per process, constructed at startup and passed by
// reference to every component.
type Runtime struct {
	mu       sync.Mutex
	commands map[string]*commandState
}

// NewRuntime creates an empty Runtime.
func NewRuntime() *Runtime {
	return &Runtime{commands: make(map[string]*commandState)}
}

// RecordCommandDispatched notes that a command was written to a node.
func (r *Runtime) RecordCommandDispatched(commandID, commandType, correlationID string) {
	r.mu.Lock()
	r.commands[commandID] = &commandState{
		CorrelationID: correlationID,
		Type:          commandType,
		DispatchedAt:  time.Now(),
	}
	r.mu.Unlock()

	CommandsDispatched.WithLabelValues(commandType).Inc()
}

// RecordCommandResult records the terminal disposition of a command and
// drops its ephemeral state.
func (r *Runtime) RecordCommandResult(commandID string, success bool, now time.Time, commandType string) {
	r.mu.Lock()
	if st, ok := r.commands[commandID]; ok {
		if commandType == "" {
			commandType = st.Type
		}
		CommandDuration.Observe(now.Sub(st.DispatchedAt).Seconds())
		delete(r.commands, commandID)
	}
	r.mu.Unlock()

	status := "acknowledged"
	if !success {
		status = "failed"
	}
	if commandType == "" {
		commandType = "unknown"
	}
	CommandsCompleted.WithLabelValues(commandType, status).Inc()
}

// RecordCommandTimeout marks a command as timed out. The ephemeral state is
// retained so a late result can still resolve the correlation id; it is
// evicted by Prune or by the eventual result.
func (r *Runtime) RecordCommandTimeout(commandID string, now time.Time, commandType string) {
	r.mu.Lock()
	if st, ok := r.commands[commandID]; ok {
		st.TimedOut = true
		if commandType == "" {
			commandType = st.Type
		}
	}
	r.mu.Unlock()

	if commandType == "" {
		commandType = "unknown"
	}
	CommandsCompleted.WithLabelValues(commandType, "timed_out").Inc()
}

// LookupCorrelationID returns the correlation id recorded at dispatch, or ""
// if the command is unknown.
func (r *Runtime) LookupCorrelationID(commandID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.commands[commandID]; ok {
		return st.CorrelationID
	}
	return ""
}

// InFlight returns the number of commands with live ephemeral state.
func (r *Runtime) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commands)
}

// Prune evicts state older than maxAge. Timed-out entries linger until pruned
// so late results keep their correlation ids for a while, not forever.
func (r *Runtime) Prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, st := range r.commands {
		if st.DispatchedAt.Before(cutoff) {
			delete(r.commands, id)
			n++
		}
	}
	return n
}
