package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// CommandState is a node command's position in its lifecycle.
type CommandState string

const (
	CommandQueued       CommandState = "queued"
	CommandSent         CommandState = "sent"
	CommandAcknowledged CommandState = "acknowledged"
	CommandFailed       CommandState = "failed"
	CommandTimedOut     CommandState = "timed_out"
)

// Terminal reports whether st is a final disposition.
func (st CommandState) Terminal() bool {
	switch st {
	case CommandAcknowledged, CommandFailed, CommandTimedOut:
		return true
	}
	return false
}

// CommandRecord is the persisted lifecycle of one node command.
// retryCount is monotonically non-decreasing; completedAt is set exactly when
// the state is terminal.
type CommandRecord struct {
	ID             string          `json:"id"`
	NodeID         string          `json:"node_id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"` // scoped "<type>:<key>"
	State          CommandState    `json:"state"`
	Error          string          `json:"error,omitempty"`
	RetryCount     int             `json:"retry_count"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	SentAt         *time.Time      `json:"sent_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// EnqueueCommand persists a new queued command, or returns the existing
// record when an unexpired one carries the same scoped idempotency key.
// The caller must use the returned record's ID thereafter -- it may differ
// from the requested one on an idempotent hit.
func (s *Store) EnqueueCommand(rec CommandRecord) (CommandRecord, error) {
	now := time.Now().UTC()
	var out CommandRecord

	err := s.db.Update(func(tx *bolt.Tx) error {
		commands := tx.Bucket(bucketCommands)
		index := tx.Bucket(bucketIdempotency)

		if rec.IdempotencyKey != "" {
			if existingID := index.Get([]byte(rec.IdempotencyKey)); existingID != nil {
				if v := commands.Get(existingID); v != nil {
					var existing CommandRecord
					if err := json.Unmarshal(v, &existing); err != nil {
						return fmt.Errorf("unmarshal command %s: %w", existingID, err)
					}
					if s.idempotencyTTL <= 0 || now.Sub(existing.CreatedAt) < s.idempotencyTTL {
						out = existing
						return nil
					}
				}
				// Expired or dangling index entry: fall through and replace it.
			}
		}

		rec.State = CommandQueued
		rec.RetryCount = 0
		rec.CreatedAt = now
		rec.UpdatedAt = now
		rec.SentAt = nil
		rec.CompletedAt = nil

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal command %s: %w", rec.ID, err)
		}
		if err := commands.Put([]byte(rec.ID), data); err != nil {
			return err
		}
		if rec.IdempotencyKey != "" {
			if err := index.Put([]byte(rec.IdempotencyKey), []byte(rec.ID)); err != nil {
				return err
			}
		}
		out = rec
		return nil
	})
	return out, err
}

// FindCommand returns the command record with the given id.
func (s *Store) FindCommand(id string) (*CommandRecord, error) {
	var rec *CommandRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCommands).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		rec = &CommandRecord{}
		return json.Unmarshal(v, rec)
	})
	return rec, err
}

// mutateCommand loads, mutates, and rewrites a command record in one
// transaction.
func (s *Store) mutateCommand(id string, fn func(*CommandRecord) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCommands)
		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("command %s: %w", id, ErrNotFound)
		}
		var rec CommandRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshal command %s: %w", id, err)
		}
		if err := fn(&rec); err != nil {
			return err
		}
		rec.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal command %s: %w", id, err)
		}
		return b.Put([]byte(id), data)
	})
}

// MarkCommandSent atomically transitions queued -> sent, stamps sentAt, and
// increments retryCount.
func (s *Store) MarkCommandSent(id string) error {
	return s.mutateCommand(id, func(rec *CommandRecord) error {
		if rec.State != CommandQueued {
			return fmt.Errorf("command %s is %s, not queued", id, rec.State)
		}
		now := time.Now().UTC()
		rec.State = CommandSent
		rec.SentAt = &now
		rec.RetryCount++
		return nil
	})
}

// MarkCommandAcknowledged records a successful completion.
func (s *Store) MarkCommandAcknowledged(id string) error {
	return s.complete(id, CommandAcknowledged, "")
}

// MarkCommandFailed records a failed completion with the node's reason.
func (s *Store) MarkCommandFailed(id, errMsg string) error {
	return s.complete(id, CommandFailed, errMsg)
}

// MarkCommandTimedOut records a timeout with the router's reason.
func (s *Store) MarkCommandTimedOut(id, reason string) error {
	return s.complete(id, CommandTimedOut, reason)
}

func (s *Store) complete(id string, state CommandState, errMsg string) error {
	return s.mutateCommand(id, func(rec *CommandRecord) error {
		if rec.State.Terminal() {
			// Idempotent: a late duplicate completion keeps the first verdict.
			return nil
		}
		now := time.Now().UTC()
		rec.State = state
		rec.Error = errMsg
		rec.CompletedAt = &now
		return nil
	})
}

// RequeueCommand moves a failed or timed-out command back to queued, subject
// to the retry cap. Used by the operational retry endpoint, never implicitly.
func (s *Store) RequeueCommand(id string, maxRetries int) error {
	return s.mutateCommand(id, func(rec *CommandRecord) error {
		switch rec.State {
		case CommandFailed, CommandTimedOut:
		default:
			return fmt.Errorf("command %s is %s, cannot requeue", id, rec.State)
		}
		if maxRetries > 0 && rec.RetryCount >= maxRetries {
			return fmt.Errorf("command %s exhausted %d retries", id, rec.RetryCount)
		}
		rec.State = CommandQueued
		rec.Error = ""
		rec.CompletedAt = nil
		return nil
	})
}

// ReconcileStaleInFlight promotes sent commands whose dispatch is older than
// maxAge into timed_out. Run once at startup to clean up after a crash
// between dispatch and result.
func (s *Store) ReconcileStaleInFlight(maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	count := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCommands)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec CommandRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.State != CommandSent || rec.SentAt == nil || !rec.SentAt.Before(cutoff) {
				continue
			}
			now := time.Now().UTC()
			rec.State = CommandTimedOut
			rec.Error = "abandoned in flight (reconciled at startup)"
			rec.CompletedAt = &now
			rec.UpdatedAt = now
			data, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// ListCommands returns up to limit command records, newest first by creation.
func (s *Store) ListCommands(limit int) ([]CommandRecord, error) {
	var out []CommandRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCommands).ForEach(func(_, v []byte) error {
			var rec CommandRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	// Bolt iterates key order (command ids are random); sort by recency.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
