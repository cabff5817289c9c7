package main

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	submissionsBucket = []byte("submissions")
	batchesBucket     = []byte("batches")
)

// recordStore is the durable audit copy of what the gateway did: every
// on-chain submission and the final shape of every batch. The in-memory
// stores stay the live source of truth; this exists so duplicate
// submissions and fee spend survive a restart for operator inspection.
type recordStore struct {
	db *bolt.DB
}

func openRecordStore(path string) (*recordStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(submissionsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(batchesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &recordStore{db: db}, nil
}

func (s *recordStore) close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// saveSubmission appends one submission record. Keyed by root+txhash: the
// registry does not deduplicate roots, and neither do we — two submissions
// of the same payload are two records.
func (s *recordStore) saveSubmission(rec *submissionRecord) error {
	bz, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(submissionsBucket)
		if b == nil {
			return fmt.Errorf("submissions bucket missing")
		}
		return b.Put([]byte(rec.Root+"/"+rec.TxHash), bz)
	})
}

func (s *recordStore) submissionsForRoot(root string) ([]submissionRecord, error) {
	var out []submissionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(submissionsBucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		prefix := []byte(root + "/")
		for k, v := c.Seek(prefix); k != nil && len(k) > len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			var rec submissionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (s *recordStore) saveBatch(snap batchSnapshot) error {
	bz, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(batchesBucket)
		if b == nil {
			return fmt.Errorf("batches bucket missing")
		}
		return b.Put([]byte(snap.ID), bz)
	})
}

func (s *recordStore) loadBatch(id string) (*batchSnapshot, error) {
	var snap *batchSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(batchesBucket)
		if b == nil {
			return nil
		}
		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}
		snap = &batchSnapshot{}
		return json.Unmarshal(v, snap)
	})
	return snap, err
}
