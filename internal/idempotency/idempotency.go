// Package idempotency deduplicates retried submissions. A key is reserved
// once per visitor; the reservation is later resolved to the id of the
// annotation it produced and never released.
package idempotency

import (
	"context"
	"errors"
	"fmt"
)

// Reserved is the placeholder held by a key until it is finalized.
const Reserved = "reserved"

// ErrConflict matches every *ConflictError.
var ErrConflict = errors.New("idempotency key already used")

// ConflictError reports a key that was already reserved. ID is set once the
// earlier submission has been finalized.
type ConflictError struct {
	Key string
	ID  int64
}

func (e *ConflictError) Error() string {
	if e.ID > 0 {
		return fmt.Sprintf("idempotency key %s already resolved to %d", e.Key, e.ID)
	}
	return fmt.Sprintf("idempotency key %s is reserved", e.Key)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Gatekeeper reserves and finalizes idempotency keys. Reserve must be atomic
// under concurrent duplicates: exactly one caller gets a nil error.
type Gatekeeper interface {
	Reserve(ctx context.Context, visitorID, clientKey string) error
	Finalize(ctx context.Context, visitorID, clientKey string, annotationID int64) error
}

// Key is the composite record key for a visitor's client key.
func Key(visitorID, clientKey string) string {
	return "idem:" + visitorID + ":" + clientKey
}

// Records is the storage a StoreGatekeeper needs. ReserveKey must be a
// unique insert that reports false when the key already exists.
type Records interface {
	ReserveKey(ctx context.Context, key string) (bool, error)
	LookupKey(ctx context.Context, key string) (annotationID int64, found bool, err error)
	ResolveKey(ctx context.Context, key string, annotationID int64) error
}

// StoreGatekeeper keeps reservations next to the annotations they guard.
type StoreGatekeeper struct {
	records Records
}

func NewStoreGatekeeper(records Records) *StoreGatekeeper {
	return &StoreGatekeeper{records: records}
}

func (g *StoreGatekeeper) Reserve(ctx context.Context, visitorID, clientKey string) error {
	key := Key(visitorID, clientKey)
	inserted, err := g.records.ReserveKey(ctx, key)
	if err != nil {
		return fmt.Errorf("reserve idempotency key: %w", err)
	}
	if inserted {
		return nil
	}
	id, _, err := g.records.LookupKey(ctx, key)
	if err != nil {
		return fmt.Errorf("lookup idempotency key: %w", err)
	}
	return &ConflictError{Key: key, ID: id}
}

func (g *StoreGatekeeper) Finalize(ctx context.Context, visitorID, clientKey string, annotationID int64) error {
	if err := g.records.ResolveKey(ctx, Key(visitorID, clientKey), annotationID); err != nil {
		return fmt.Errorf("finalize idempotency key: %w", err)
	}
	return nil
}
