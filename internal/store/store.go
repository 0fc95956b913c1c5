// Package store keeps the run history and the snapshot catalogue in a local
// bbolt database.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"piswarm/internal/backup"
	"piswarm/internal/cluster"
)

var (
	bucketRuns      = []byte("runs")
	bucketSnapshots = []byte("snapshots")
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// RunRecord is the persisted summary of one bootstrap run.
type RunRecord struct {
	ID         string                `json:"id"`
	Stamp      string                `json:"stamp"` // backup directory name
	Cluster    string                `json:"cluster"`
	StartedAt  time.Time             `json:"startedAt"`
	FinishedAt time.Time             `json:"finishedAt"`
	Status     cluster.RunStatus     `json:"status"`
	Phase      cluster.Phase         `json:"phase"`
	Manager    string                `json:"manager,omitempty"`
	Hosts      []cluster.HostOutcome `json:"hosts"`
	DownNodes  []string              `json:"downNodes,omitempty"`
	Error      string                `json:"error,omitempty"`
}

// SnapshotEntry catalogues one host snapshot.
type SnapshotEntry struct {
	Run       string    `json:"run"`
	Host      string    `json:"host"`
	Dir       string    `json:"dir"`
	Files     []string  `json:"files"`
	Absent    []string  `json:"absent,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// BoltStore persists runs and snapshots.
type BoltStore struct {
	db *bolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRuns, bucketSnapshots} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SaveRun creates or replaces a run record keyed by its stamp.
func (s *BoltStore) SaveRun(rec *RunRecord) error {
	if rec.Stamp == "" {
		return errors.New("run record has no stamp")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRuns).Put([]byte(rec.Stamp), data)
	})
}

// GetRun looks a run up by stamp or by ID.
func (s *BoltStore) GetRun(ref string) (*RunRecord, error) {
	var found *RunRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		if data := b.Get([]byte(ref)); data != nil {
			var rec RunRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			found = &rec
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var rec RunRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.ID == ref {
				found = &rec
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("run %s: %w", ref, ErrNotFound)
	}
	return found, nil
}

// ListRuns returns every run, newest first.
func (s *BoltStore) ListRuns() ([]*RunRecord, error) {
	var runs []*RunRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(_, v []byte) error {
			var rec RunRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			runs = append(runs, &rec)
			return nil
		})
	})
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, err
}

// PutSnapshot catalogues a snapshot under "<run>/<host>".
func (s *BoltStore) PutSnapshot(snap *backup.Snapshot) error {
	entry := SnapshotEntry{
		Run:       snap.Run,
		Host:      snap.Host,
		Dir:       snap.Dir,
		Absent:    snap.Absent,
		CreatedAt: snap.CreatedAt,
	}
	for _, f := range snap.Files {
		entry.Files = append(entry.Files, f.Path)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSnapshots).Put([]byte(snap.ID()), data)
	})
}

// Snapshots returns the catalogued snapshots of one run.
func (s *BoltStore) Snapshots(run string) ([]SnapshotEntry, error) {
	var out []SnapshotEntry
	prefix := []byte(run + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSnapshots).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var e SnapshotEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// DeleteRun removes a run and its snapshot entries.
func (s *BoltStore) DeleteRun(stamp string) error {
	prefix := []byte(stamp + "/")
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketRuns).Delete([]byte(stamp)); err != nil {
			return err
		}
		b := tx.Bucket(bucketSnapshots)
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
