// Package store provides BoltDB persistence for Key-Sentinel: plan
// snapshots, the rotation history, the audit log, and settings.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Will-Luck/Key-Sentinel/internal/rotation"
)

var (
	bucketSnapshots = []byte("snapshots")
	bucketHistory   = []byte("history")
	bucketLogs      = []byte("logs")
	bucketSettings  = []byte("settings")
)

// Store wraps a BoltDB database for Key-Sentinel persistence.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures
// all required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSnapshots, bucketHistory, bucketLogs, bucketSettings} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// SavePlanSnapshot stores a serialized plan snapshot.
// Key format: "{plan_id}::{RFC3339Nano}" for chronological ordering.
func (s *Store) SavePlanSnapshot(planID string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		key := []byte(fmt.Sprintf("%s::%s", planID, time.Now().UTC().Format(time.RFC3339Nano)))
		return b.Put(key, data)
	})
}

// GetLatestSnapshot returns the most recent snapshot for the given plan ID.
// Returns nil, nil if no snapshot exists.
func (s *Store) GetLatestSnapshot(planID string) ([]byte, error) {
	var data []byte
	prefix := []byte(planID + "::")

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		c := b.Cursor()

		// Seek to the end of this plan's keys by seeking past the prefix.
		// The prefix range ends at planID + ":;" (';' is one byte after ':' in ASCII).
		endPrefix := []byte(planID + "::;")
		k, _ := c.Seek(endPrefix)
		var v []byte
		if k == nil {
			// Past the end of the bucket, go to last key.
			k, v = c.Last()
		} else {
			// We overshot, go back one.
			k, v = c.Prev()
		}

		if k == nil {
			return nil
		}
		// Verify the key actually belongs to this plan.
		if len(k) < len(prefix) || string(k[:len(prefix)]) != string(prefix) {
			return nil
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	return data, err
}

// ListPlanIDs returns the distinct plan IDs present in the snapshot bucket,
// newest snapshot first.
func (s *Store) ListPlanIDs() ([]string, error) {
	var ids []string
	seen := make(map[string]bool)

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		c := b.Cursor()
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			id, _, ok := splitSnapshotKey(k)
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}

// DeleteOldSnapshots removes snapshots older than the cutoff, keeping at
// least the newest snapshot per plan. Returns the number of keys removed.
func (s *Store) DeleteOldSnapshots(cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		c := b.Cursor()

		latest := make(map[string][]byte)
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			id, _, ok := splitSnapshotKey(k)
			if !ok {
				continue
			}
			// Keys within one plan sort chronologically, so the last seen
			// key per plan is its newest.
			latest[id] = append([]byte(nil), k...)
		}

		var stale [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			id, ts, ok := splitSnapshotKey(k)
			if !ok {
				continue
			}
			if string(latest[id]) == string(k) {
				continue
			}
			when, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil || when.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// RecordRotation appends a rotation record to the history bucket.
func (s *Store) RecordRotation(rec rotation.RotationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal rotation record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		key := []byte(rec.Timestamp.UTC().Format(time.RFC3339Nano))
		return b.Put(key, data)
	})
}

// ListHistory returns the most recent rotation records, up to limit.
func (s *Store) ListHistory(limit int) ([]rotation.RotationRecord, error) {
	var records []rotation.RotationRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		c := b.Cursor()

		// Walk backwards from the end (newest first).
		for k, v := c.Last(); k != nil && len(records) < limit; k, v = c.Prev() {
			var rec rotation.RotationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

// LogEntry is one persisted audit log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	PlanID    string    `json:"plan_id"`
	Message   string    `json:"message"`
}

// AppendPlanLog persists one audit log line for a plan. The runner mirrors
// every in-memory log entry here, so the audit trail survives snapshot
// pruning and process restarts.
func (s *Store) AppendPlanLog(planID string, ts time.Time, message string) error {
	entry := LogEntry{Timestamp: ts.UTC(), PlanID: planID, Message: message}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogs)
		key := []byte(fmt.Sprintf("%s::%s", planID, entry.Timestamp.Format(time.RFC3339Nano)))
		return b.Put(key, data)
	})
}

// ListLogs returns the audit log lines for one plan in chronological order.
func (s *Store) ListLogs(planID string) ([]LogEntry, error) {
	var entries []LogEntry
	prefix := []byte(planID + "::")

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogs)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var entry LogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// SaveSetting persists a key/value setting.
func (s *Store) SaveSetting(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		return b.Put([]byte(key), []byte(value))
	})
}

// LoadSetting returns a persisted setting, or "" if unset.
func (s *Store) LoadSetting(key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if v := b.Get([]byte(key)); v != nil {
			value = string(v)
		}
		return nil
	})
	return value, err
}

func splitSnapshotKey(k []byte) (id, ts string, ok bool) {
	i := bytes.Index(k, []byte("::"))
	if i < 0 {
		return "", "", false
	}
	return string(k[:i]), string(k[i+2:]), true
}
