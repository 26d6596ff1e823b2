// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package audit persists a record of every connection attempt the broker
// authenticates, for later inspection — a bolt-backed key/value log in the
// style of the teacher's bolt storage hook, scoped to just the
// connect-time audit trail rather than full session persistence (session
// and retained-message state remain in-memory only, per design).
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	// ErrDBNotOpen is returned by Recorder methods after Close.
	ErrDBNotOpen = errors.New("audit: database not open")

	bucketName = []byte("connection_attempts")
)

// Attempt is a single recorded connection attempt.
type Attempt struct {
	ClientIdentifier string    `json:"client_identifier"`
	PrincipalID      string    `json:"principal_id"`
	RemoteAddress    string    `json:"remote_address"`
	Accepted         bool      `json:"accepted"`
	ReturnCode       byte      `json:"return_code"`
	At               time.Time `json:"at"`
}

// Recorder is a bbolt-backed append-only log of connection attempts, keyed
// by client identifier + arrival order so the most recent attempts for a
// client can be listed in order.
type Recorder struct {
	db *bbolt.DB
}

// Open creates or opens the bolt database at path.
func Open(path string) (*Recorder, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 250 * time.Millisecond})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Recorder{db: db}, nil
}

// Close closes the underlying database.
func (r *Recorder) Close() error {
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

// Record appends a. Keys are "<clientID>:<unixnano>", the timestamp
// zero-padded to 20 digits, so iteration in key order is chronological per
// client.
func (r *Recorder) Record(a Attempt) error {
	if r.db == nil {
		return ErrDBNotOpen
	}

	data, err := json.Marshal(a)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("%s:%020d", a.ClientIdentifier, a.At.UnixNano())

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		return bucket.Put([]byte(key), data)
	})
}

// ForClient returns every recorded attempt for clientID, oldest first.
func (r *Recorder) ForClient(clientID string) ([]Attempt, error) {
	if r.db == nil {
		return nil, ErrDBNotOpen
	}

	prefix := []byte(clientID + ":")
	var out []Attempt

	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var a Attempt
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
