// Package storage provides database abstractions.
package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("storage: key not found")
	// ErrConflict is returned by Update when a concurrent transaction
	// committed a write to a key this transaction read.
	ErrConflict = errors.New("storage: transaction conflict")
)

// Reader is the read side shared by databases and transactions.
type Reader interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	// ForEach iterates over all keys with the given prefix in ascending
	// key order. The callback receives a copy of the key; the value is
	// only valid for the duration of the call.
	// Return a non-nil error from fn to stop iteration early.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
}

// Txn is a read-write view used inside View and Update.
// Writes made through a Txn are visible to later reads in the same Txn.
type Txn interface {
	Reader
	Put(key, value []byte) error
	Delete(key []byte) error
}

// DB is the interface for key-value storage.
type DB interface {
	Reader
	Put(key, value []byte) error
	Delete(key []byte) error

	// View runs fn in a read-only snapshot.
	View(fn func(Txn) error) error
	// Update runs fn in a serializable read-write transaction. Either all of
	// fn's writes commit or none do. A concurrent write to any key read by
	// fn makes Update return ErrConflict.
	//
	// fn must not call methods on the DB itself.
	Update(fn func(Txn) error) error
	// NextSequence returns the next value of the named monotonic counter.
	// Values start at 1. Gaps are possible after a restart.
	NextSequence(name string) (uint64, error)

	Close() error
}

// UpdateRetry runs db.Update, retrying up to attempts times while the
// transaction conflicts.
func UpdateRetry(db DB, attempts int, fn func(Txn) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = db.Update(fn)
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}
