// Package store implements the token-guarded record store backing the
// pipeline: three collections whose entries can only be overwritten by callers
// presenting the concurrency token issued on the last write.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abcretail/order-pipeline/internal/model"
)

var (
	// ErrNotFound reports a missing record.
	ErrNotFound = errors.New("record not found")
	// ErrExists reports a create against an id already in use.
	ErrExists = errors.New("record already exists")
	// ErrConflict reports a write carrying a stale or missing concurrency token.
	ErrConflict = errors.New("concurrency token mismatch")
)

type entry[T any] struct {
	v            T
	token        string
	lastModified time.Time
}

// Table is one collection of records addressed by id. Every successful write
// issues a fresh opaque token; overwrites and deletes must present the token
// from the last read or fail with ErrConflict.
type Table[T any] struct {
	name string
	mu   sync.RWMutex
	m    map[string]entry[T]
}

// NewTable constructs an empty collection.
func NewTable[T any](name string) *Table[T] {
	return &Table[T]{name: name, m: make(map[string]entry[T])}
}

// Get returns the record and its current concurrency token.
func (t *Table[T]) Get(id string) (T, string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.m[id]
	if !ok {
		var zero T
		return zero, "", fmt.Errorf("%s/%s: %w", t.name, id, ErrNotFound)
	}
	return e.v, e.token, nil
}

// Create inserts a new record and returns its first token. A second create
// under the same id fails with ErrExists; it is never silently overwritten.
func (t *Table[T]) Create(id string, v T) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.m[id]; ok {
		return "", fmt.Errorf("%s/%s: %w", t.name, id, ErrExists)
	}
	tok := uuid.NewString()
	t.m[id] = entry[T]{v: v, token: tok, lastModified: time.Now().UTC()}
	return tok, nil
}

// Update overwrites an existing record. The supplied token must match the one
// issued by the last write.
func (t *Table[T]) Update(id, token string, v T) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.m[id]
	if !ok {
		return "", fmt.Errorf("%s/%s: %w", t.name, id, ErrNotFound)
	}
	if token == "" || token != e.token {
		return "", fmt.Errorf("%s/%s: %w", t.name, id, ErrConflict)
	}
	tok := uuid.NewString()
	t.m[id] = entry[T]{v: v, token: tok, lastModified: time.Now().UTC()}
	return tok, nil
}

// Delete removes an existing record under the same token discipline as Update.
func (t *Table[T]) Delete(id, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.m[id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", t.name, id, ErrNotFound)
	}
	if token == "" || token != e.token {
		return fmt.Errorf("%s/%s: %w", t.name, id, ErrConflict)
	}
	delete(t.m, id)
	return nil
}

// List returns a snapshot of all records in the collection, in no particular
// order.
func (t *Table[T]) List() []T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]T, 0, len(t.m))
	for _, e := range t.m {
		out = append(out, e.v)
	}
	return out
}

// Len returns the number of records in the collection.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

// Store groups the three collections coordinated by the pipeline.
type Store struct {
	Customers *Table[model.Customer]
	Products  *Table[model.Product]
	Orders    *Table[model.Order]
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		Customers: NewTable[model.Customer](model.CollectionCustomers),
		Products:  NewTable[model.Product](model.CollectionProducts),
		Orders:    NewTable[model.Order](model.CollectionOrders),
	}
}
