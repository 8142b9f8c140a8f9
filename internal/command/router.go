package command

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wakefleet/cnc/internal/clock"
	"github.com/wakefleet/cnc/internal/config"
	"github.com/wakefleet/cnc/internal/events"
	"github.com/wakefleet/cnc/internal/hosts"
	"github.com/wakefleet/cnc/internal/metrics"
	"github.com/wakefleet/cnc/internal/node"
	"github.com/wakefleet/cnc/internal/protocol"
	"github.com/wakefleet/cnc/internal/store"
)

// NodeGateway is the slice of the node manager the router depends on.
type NodeGateway interface {
	NodeStatus(nodeID string) string
	SendCommand(nodeID string, cmd *protocol.Command) error
	Results() <-chan protocol.CommandResult
}

// HostDirectory is the slice of the host aggregator the router depends on.
type HostDirectory interface {
	GetHostByFQN(fqn string) (*hosts.Host, error)
	OnHostRemoved(nodeID, name string) error
}

// CommandStore is the slice of the persistent store the router depends on.
type CommandStore interface {
	EnqueueCommand(rec store.CommandRecord) (store.CommandRecord, error)
	FindCommand(id string) (*store.CommandRecord, error)
	MarkCommandSent(id string) error
	MarkCommandAcknowledged(id string) error
	MarkCommandFailed(id, errMsg string) error
	MarkCommandTimedOut(id, reason string) error
	RequeueCommand(id string, maxRetries int) error
	ReconcileStaleInFlight(maxAge time.Duration) (int, error)
}

// Options carries the per-request extras a route method accepts.
type Options struct {
	IdempotencyKey string
	CorrelationID  string
}

// outcome is the value broadcast to every waiter on one command id.
type outcome struct {
	result protocol.CommandResult
	err    error
}

// waiter holds everyone blocked on one command id. Callers that ask for a
// command already in flight coalesce onto the existing entry and share its
// timer and eventual outcome.
type waiter struct {
	resolvers     []chan outcome
	timer         clock.Timer
	correlationID string
	commandType   string
}

func (w *waiter) resolveAll(res protocol.CommandResult) {
	for _, ch := range w.resolvers {
		ch <- outcome{result: res}
	}
}

func (w *waiter) rejectAll(err error) {
	for _, ch := range w.resolvers {
		ch <- outcome{err: err}
	}
}

// Router turns client operations into node commands and blocks each caller
// until the node answers, the command times out, or the router shuts down.
type Router struct {
	cfg     *config.Config
	nodes   NodeGateway
	hosts   HostDirectory
	store   CommandStore
	runtime *metrics.Runtime
	bus     *events.Bus
	clock   clock.Clock
	log     *slog.Logger

	mu      sync.Mutex
	waiters map[string]*waiter
	closed  bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewRouter wires a Router and subscribes it to the gateway's result stream.
// Call Cleanup to tear it down.
func NewRouter(cfg *config.Config, nodes NodeGateway, dir HostDirectory, cmdStore CommandStore, runtime *metrics.Runtime, bus *events.Bus, clk clock.Clock, log *slog.Logger) *Router {
	r := &Router{
		cfg:     cfg,
		nodes:   nodes,
		hosts:   dir,
		store:   cmdStore,
		runtime: runtime,
		bus:     bus,
		clock:   clk,
		log:     log.With("component", "command-router"),
		waiters: make(map[string]*waiter),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.consumeResults()
	return r
}

func (r *Router) consumeResults() {
	defer close(r.done)
	results := r.nodes.Results()
	for {
		select {
		case res, ok := <-results:
			if !ok {
				return
			}
			r.handleCommandResult(res)
		case <-r.stop:
			return
		}
	}
}

// newCommandID mints a command id in the cmd_ namespace.
func newCommandID() string {
	return "cmd_" + uuid.NewString()
}

// scopeIdempotencyKey prefixes a client key with the command type so the
// same key on different operations never collides. Whitespace-only keys
// collapse to absent.
func scopeIdempotencyKey(commandType, key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	return commandType + ":" + key
}

// resolveHost runs the shared preamble of every host-scoped route: parse
// the FQN, look the host up, and require its node online.
func (r *Router) resolveHost(fqn string) (*hosts.Host, string, error) {
	_, location, err := hosts.ParseFQN(fqn)
	if err != nil {
		return nil, "", err
	}
	h, err := r.hosts.GetHostByFQN(fqn)
	if err != nil {
		return nil, "", err
	}
	if h == nil {
		return nil, "", ErrHostNotFound
	}
	if status := r.nodes.NodeStatus(h.NodeID); status != node.StatusOnline {
		return nil, "", &node.OfflineError{NodeID: h.NodeID, Location: location}
	}
	return h, location, nil
}

// executeCommand persists, dispatches, and awaits one command. The store
// owns idempotency: an unexpired record under the same scoped key is
// replayed without a second dispatch, under its original id.
func (r *Router) executeCommand(nodeID string, cmd *protocol.Command, opts Options) (protocol.CommandResult, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return protocol.CommandResult{}, err
	}

	rec, err := r.store.EnqueueCommand(store.CommandRecord{
		ID:             cmd.CommandID,
		NodeID:         nodeID,
		Type:           cmd.Type,
		Payload:        payload,
		IdempotencyKey: scopeIdempotencyKey(cmd.Type, opts.IdempotencyKey),
	})
	if err != nil {
		return protocol.CommandResult{}, err
	}

	// The record's id is authoritative from here on; an idempotent hit may
	// have returned an earlier command's record.
	cmd.CommandID = rec.ID

	switch rec.State {
	case store.CommandAcknowledged:
		ts := rec.UpdatedAt
		if rec.CompletedAt != nil {
			ts = *rec.CompletedAt
		}
		return protocol.CommandResult{
			CommandID:     rec.ID,
			Success:       true,
			Timestamp:     ts,
			CorrelationID: opts.CorrelationID,
		}, nil

	case store.CommandFailed, store.CommandTimedOut:
		reason := rec.Error
		if reason == "" {
			reason = "Command failed"
		}
		return protocol.CommandResult{}, &FailedError{CommandID: rec.ID, Reason: reason}
	}

	return r.await(nodeID, cmd, rec, opts)
}

// await installs (or coalesces onto) a waiter for the command and blocks
// until it settles. The waiter goes in before any dispatch so the node's
// result cannot race past it. Only queued records get dispatched; sent
// records are already in flight, or abandoned and owned by reconciliation.
func (r *Router) await(nodeID string, cmd *protocol.Command, rec store.CommandRecord, opts Options) (protocol.CommandResult, error) {
	ch := make(chan outcome, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return protocol.CommandResult{}, ErrShuttingDown
	}
	if w, ok := r.waiters[rec.ID]; ok {
		w.resolvers = append(w.resolvers, ch)
		r.mu.Unlock()
	} else {
		w = &waiter{
			resolvers:     []chan outcome{ch},
			correlationID: opts.CorrelationID,
			commandType:   cmd.Type,
		}
		w.timer = r.clock.AfterFunc(r.cfg.CommandTimeout, func() { r.onTimeout(rec.ID) })
		r.waiters[rec.ID] = w
		r.mu.Unlock()

		if rec.State == store.CommandQueued {
			go r.dispatch(nodeID, cmd, rec, opts.CorrelationID)
		}
	}

	out := <-ch
	if out.err != nil {
		return protocol.CommandResult{}, out.err
	}
	return out.result, nil
}

// RetryCommand requeues a failed or timed-out command and dispatches it
// again under its original id, preserving the retry count. Operational use
// only; nothing retries implicitly.
func (r *Router) RetryCommand(id string) (protocol.CommandResult, error) {
	if err := r.store.RequeueCommand(id, r.cfg.CommandMaxRetries); err != nil {
		return protocol.CommandResult{}, err
	}
	rec, err := r.store.FindCommand(id)
	if err != nil {
		return protocol.CommandResult{}, err
	}
	cmd, err := protocol.DecodeCommand(rec.Payload)
	if err != nil {
		return protocol.CommandResult{}, err
	}
	cmd.CommandID = rec.ID
	return r.await(rec.NodeID, cmd, *rec, Options{})
}

// dispatch writes one queued command to its node, sleeping the backoff
// first when the record has prior attempts.
func (r *Router) dispatch(nodeID string, cmd *protocol.Command, rec store.CommandRecord, correlationID string) {
	if rec.RetryCount > 0 {
		delay := CalculateBackoffDelay(r.cfg.CommandRetryBaseDelay, rec.RetryCount-1, r.cfg.CommandTimeout)
		select {
		case <-r.clock.After(delay):
		case <-r.stop:
			return
		}
	}

	if err := r.nodes.SendCommand(nodeID, cmd); err != nil {
		r.failDispatch(rec.ID, cmd.Type, err)
		return
	}
	r.runtime.RecordCommandDispatched(rec.ID, cmd.Type, correlationID)
	if err := r.store.MarkCommandSent(rec.ID); err != nil {
		r.log.Warn("failed to mark command sent", "commandID", rec.ID, "error", err)
	}
}

// failDispatch settles a command whose send never reached the node.
func (r *Router) failDispatch(id, commandType string, cause error) {
	w := r.takeWaiter(id)
	if err := r.store.MarkCommandFailed(id, cause.Error()); err != nil {
		r.log.Warn("failed to persist command failure", "commandID", id, "error", err)
	}
	r.runtime.RecordCommandResult(id, false, r.clock.Now(), commandType)
	r.log.Warn("command dispatch failed", "commandID", id, "type", commandType, "error", cause)
	if w != nil {
		w.rejectAll(cause)
	}
}

// onTimeout fires when the per-command timer wins the race against the
// node's result.
func (r *Router) onTimeout(id string) {
	w := r.takeWaiter(id)
	if w == nil {
		// The result landed first and already settled everyone.
		return
	}

	attempt := 1
	if rec, err := r.store.FindCommand(id); err == nil && rec.RetryCount > 0 {
		attempt = rec.RetryCount
	}
	terr := &TimeoutError{
		CommandID:  id,
		Attempt:    attempt,
		MaxRetries: r.cfg.CommandMaxRetries,
		Timeout:    r.cfg.CommandTimeout,
	}

	r.runtime.RecordCommandTimeout(id, r.clock.Now(), w.commandType)
	if err := r.store.MarkCommandTimedOut(id, terr.Error()); err != nil {
		r.log.Warn("failed to persist command timeout", "commandID", id, "error", err)
	}
	r.log.Warn("command timed out", "commandID", id, "type", w.commandType, "attempt", attempt)
	w.rejectAll(terr)
}

// handleCommandResult settles the waiters for one node acknowledgement and
// persists the terminal state. Persistence errors are logged, never
// propagated: the in-memory resolution is authoritative for the caller.
func (r *Router) handleCommandResult(res protocol.CommandResult) {
	r.mu.Lock()
	pending := r.waiters[res.CommandID]
	r.mu.Unlock()

	commandType := ""
	correlationID := res.CorrelationID
	if pending != nil {
		commandType = pending.commandType
		if correlationID == "" {
			correlationID = pending.correlationID
		}
	} else if rec, err := r.store.FindCommand(res.CommandID); err == nil {
		commandType = rec.Type
	}
	if correlationID == "" {
		correlationID = r.runtime.LookupCorrelationID(res.CommandID)
	}

	r.runtime.RecordCommandResult(res.CommandID, res.Success, r.clock.Now(), commandType)

	if res.Success {
		if err := r.store.MarkCommandAcknowledged(res.CommandID); err != nil {
			r.log.Warn("failed to persist acknowledgement", "commandID", res.CommandID, "error", err)
		}
	} else {
		reason := res.Error
		if reason == "" {
			reason = "Command failed"
		}
		if err := r.store.MarkCommandFailed(res.CommandID, reason); err != nil {
			r.log.Warn("failed to persist command failure", "commandID", res.CommandID, "error", err)
		}
	}

	r.bus.Publish(events.FleetEvent{
		Type:      events.EventCommandResult,
		CommandID: res.CommandID,
		Message:   res.Error,
		Timestamp: r.clock.Now().UTC(),
	})

	if pending == nil {
		// Late result: after a restart, a caller disconnect, or a timeout.
		r.log.Info("result with no waiter", "commandID", res.CommandID, "success", res.Success)
		return
	}

	w := r.takeWaiter(res.CommandID)
	if w == nil {
		// The timer fired between the lookup above and now.
		return
	}

	if res.Success {
		res.CorrelationID = correlationID
		w.resolveAll(res)
		return
	}
	reason := res.Error
	if reason == "" {
		reason = "Command failed"
	}
	w.rejectAll(&FailedError{CommandID: res.CommandID, Reason: reason})
}

// takeWaiter removes and returns the waiter for id, disarming its timer.
func (r *Router) takeWaiter(id string) *waiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.waiters[id]
	if w == nil {
		return nil
	}
	delete(r.waiters, id)
	if w.timer != nil {
		w.timer.Stop()
	}
	return w
}

// ReconcileStaleInFlight promotes sent records older than the command
// timeout into timed_out. Invoked exactly once at startup.
func (r *Router) ReconcileStaleInFlight() (int, error) {
	n, err := r.store.ReconcileStaleInFlight(r.cfg.CommandTimeout)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Info("reconciled stale in-flight commands", "count", n)
	}
	return n, nil
}

// Cleanup stops the result subscription, rejects every outstanding waiter,
// and refuses new work.
func (r *Router) Cleanup() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done

	r.mu.Lock()
	r.closed = true
	abandoned := r.waiters
	r.waiters = make(map[string]*waiter)
	r.mu.Unlock()

	for _, w := range abandoned {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.rejectAll(ErrShuttingDown)
	}
}
