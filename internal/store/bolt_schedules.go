package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// WakeSchedule is a recurring wake instruction for one host. NextRunAt is
// maintained by the schedule worker from the cron expression; the store only
// compares it against the clock.
type WakeSchedule struct {
	ID            string     `json:"id"`
	HostFQN       string     `json:"host_fqn"`
	Cron          string     `json:"cron"`
	Enabled       bool       `json:"enabled"`
	CreatedAt     time.Time  `json:"created_at"`
	NextRunAt     time.Time  `json:"next_run_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	AttemptCount  int        `json:"attempt_count"`
}

// SaveWakeSchedule creates or replaces a schedule.
func (s *Store) SaveWakeSchedule(ws WakeSchedule) error {
	data, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("marshal schedule %s: %w", ws.ID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(ws.ID), data)
	})
}

// GetWakeSchedule returns one schedule by id.
func (s *Store) GetWakeSchedule(id string) (*WakeSchedule, error) {
	var ws *WakeSchedule
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSchedules).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		ws = &WakeSchedule{}
		return json.Unmarshal(v, ws)
	})
	return ws, err
}

// DeleteWakeSchedule removes a schedule.
func (s *Store) DeleteWakeSchedule(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(id))
	})
}

// ListWakeSchedules returns every schedule, oldest first.
func (s *Store) ListWakeSchedules() ([]WakeSchedule, error) {
	var out []WakeSchedule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(_, v []byte) error {
			var ws WakeSchedule
			if err := json.Unmarshal(v, &ws); err != nil {
				return nil
			}
			out = append(out, ws)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListDueWakeSchedules returns at most limit enabled schedules whose
// NextRunAt is at or before now, most overdue first.
func (s *Store) ListDueWakeSchedules(now time.Time, limit int) ([]WakeSchedule, error) {
	all, err := s.ListWakeSchedules()
	if err != nil {
		return nil, err
	}
	var due []WakeSchedule
	for _, ws := range all {
		if ws.Enabled && !ws.NextRunAt.After(now) {
			due = append(due, ws)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(due[j].NextRunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// RecordWakeAttempt stamps one execution attempt and advances the schedule
// to its next run time. Called exactly once per attempt, success or failure.
func (s *Store) RecordWakeAttempt(id string, at, nextRun time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
		}
		var ws WakeSchedule
		if err := json.Unmarshal(v, &ws); err != nil {
			return fmt.Errorf("unmarshal schedule %s: %w", id, err)
		}
		stamp := at.UTC()
		ws.LastAttemptAt = &stamp
		ws.AttemptCount++
		ws.NextRunAt = nextRun
		data, err := json.Marshal(ws)
		if err != nil {
			return fmt.Errorf("marshal schedule %s: %w", id, err)
		}
		return b.Put([]byte(id), data)
	})
}
