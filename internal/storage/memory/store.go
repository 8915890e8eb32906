// Package memory is an in-process implementation of every repository the
// core needs. Each entity has its own lock; a lock taken by a ...ForUpdate
// read is held until the surrounding WithTx returns, and writes made inside a
// failed transaction are rolled back.
package memory

import (
	"context"
	"sync"

	"github.com/marketbridge/haggle/internal/domain"
)

type Store struct {
	// mu guards the maps themselves and is only held for single map
	// operations, never across a read-modify-write.
	mu           sync.RWMutex
	products     map[string]domain.Product
	reservations map[string]domain.Reservation
	negotiations map[string]domain.Negotiation
	qrSessions   map[string]domain.QRSession
	rates        map[string]domain.RateCounter

	locks *keyedLocks
}

func NewStore() *Store {
	return &Store{
		products:     make(map[string]domain.Product),
		reservations: make(map[string]domain.Reservation),
		negotiations: make(map[string]domain.Negotiation),
		qrSessions:   make(map[string]domain.QRSession),
		rates:        make(map[string]domain.RateCounter),
		locks:        newKeyedLocks(),
	}
}

type txKey struct{}

type tx struct {
	held  map[string]struct{}
	order []string
	undo  []func()
}

func txFromContext(ctx context.Context) *tx {
	t, _ := ctx.Value(txKey{}).(*tx)
	return t
}

// WithTx runs fn as one unit. Nested calls join the outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	t := &tx{held: make(map[string]struct{})}
	defer func() {
		if r := recover(); r != nil {
			s.rollback(t)
			s.unlockAll(t)
			panic(r)
		}
		if err != nil {
			s.rollback(t)
		}
		s.unlockAll(t)
	}()
	return fn(context.WithValue(ctx, txKey{}, t))
}

func (s *Store) rollback(t *tx) {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (s *Store) unlockAll(t *tx) {
	for i := len(t.order) - 1; i >= 0; i-- {
		s.locks.unlock(t.order[i])
	}
	t.order = nil
}

// lockFor takes the entity lock for key for the rest of the transaction.
// Outside a transaction it does nothing.
func (s *Store) lockFor(ctx context.Context, key string) {
	t := txFromContext(ctx)
	if t == nil {
		return
	}
	if _, ok := t.held[key]; ok {
		return
	}
	s.locks.lock(key)
	t.held[key] = struct{}{}
	t.order = append(t.order, key)
}

func (s *Store) journal(ctx context.Context, undo func()) {
	if t := txFromContext(ctx); t != nil {
		t.undo = append(t.undo, undo)
	}
}

func put[V any](ctx context.Context, s *Store, m map[string]V, key string, v V) {
	s.mu.Lock()
	old, existed := m[key]
	m[key] = v
	s.mu.Unlock()

	s.journal(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existed {
			m[key] = old
		} else {
			delete(m, key)
		}
	})
}

func remove[V any](ctx context.Context, s *Store, m map[string]V, key string) bool {
	s.mu.Lock()
	old, existed := m[key]
	delete(m, key)
	s.mu.Unlock()

	if existed {
		s.journal(ctx, func() {
			s.mu.Lock()
			m[key] = old
			s.mu.Unlock()
		})
	}
	return existed
}

func get[V any](s *Store, m map[string]V, key string) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := m[key]
	return v, ok
}

type keyedLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{entries: make(map[string]*lockEntry)}
}

func (k *keyedLocks) lock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

func (k *keyedLocks) unlock(key string) {
	k.mu.Lock()
	e := k.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}

func (k *keyedLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
