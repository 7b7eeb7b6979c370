// Package state keeps the history of task runs in a bbolt database.
package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	bolt "go.etcd.io/bbolt"

	"github.com/ngld/assetflow/pkg/buildsys"
)

var runsBucket = []byte("runs")

// Run is a finished task run as stored in the database.
type Run buildsys.RunRecord

// Store is the run history database. It implements buildsys.Recorder.
type Store struct {
	db *bolt.DB
}

// Open opens (and creates if necessary) the database at path.
func Open(path string) (*Store, error) {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create %s", filepath.Dir(path))
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(runsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, eris.Wrap(err, "failed to initialise database")
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRun stores run under its ID. ULIDs sort by time so the bucket stays ordered by start time.
func (s *Store) RecordRun(ctx context.Context, run buildsys.RunRecord) error {
	if run.ID == "" {
		return eris.Errorf("run of %s has no ID", run.Task)
	}

	encoded, err := json.Marshal(Run(run))
	if err != nil {
		return eris.Wrap(err, "failed to encode run")
	}

	return s.db.Batch(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).Put([]byte(run.ID), encoded)
	})
}

// Recent returns up to n runs, newest first. If task is not empty, only runs of that task are
// returned. n <= 0 returns all runs.
func (s *Store) Recent(ctx context.Context, n int, task string) ([]Run, error) {
	result := make([]Run, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(runsBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if n > 0 && len(result) >= n {
				break
			}

			var run Run
			err := json.Unmarshal(v, &run)
			if err != nil {
				return eris.Wrapf(err, "failed to decode run %s", string(k))
			}

			if task != "" && run.Task != task {
				continue
			}
			result = append(result, run)
		}
		return nil
	})
	return result, err
}

// Prune deletes all but the newest keep runs and returns the number of deleted entries.
func (s *Store) Prune(ctx context.Context, keep int) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(runsBucket)
		total := 0
		err := bucket.ForEach(func(k, v []byte) error {
			total++
			return nil
		})
		if err != nil {
			return err
		}
		if total <= keep {
			return nil
		}

		c := bucket.Cursor()
		for k, _ := c.First(); k != nil && deleted < total-keep; k, _ = c.First() {
			err := c.Delete()
			if err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
