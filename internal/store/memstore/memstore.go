// Package memstore is the in-memory reference Store Adapter.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/balanced/balanced/internal/store"
)

// Store keeps records in a map guarded by a mutex. The lock is never held
// across anything but map access.
type Store struct {
	name        string
	consistency store.Consistency

	mu      sync.Mutex
	records map[string]store.Record
}

// New returns an empty Store.
func New(name string, c store.Consistency) *Store {
	return &Store{name: name, consistency: c, records: make(map[string]store.Record)}
}

func (s *Store) Name() string                   { return s.name }
func (s *Store) Consistency() store.Consistency { return s.consistency }

func (s *Store) Read(ctx context.Context, id string) (*store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	r = r.Clone()
	return &r, nil
}

func (s *Store) Write(ctx context.Context, rec store.Record) (bool, error) {
	return s.put(ctx, rec)
}

func (s *Store) DeleteMarker(ctx context.Context, rec store.Record) (bool, error) {
	return s.put(ctx, rec)
}

func (s *Store) put(ctx context.Context, rec store.Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	apply, err := store.CheckWrite(s.lookup(rec.ID), rec)
	if !apply || err != nil {
		return false, err
	}
	s.records[rec.ID] = rec.Clone()
	return true, nil
}

func (s *Store) Restore(ctx context.Context, written store.Record, prior *store.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	apply, err := store.CheckRestore(s.lookup(written.ID), written)
	if !apply || err != nil {
		return err
	}
	if prior == nil {
		delete(s.records, written.ID)
		return nil
	}
	s.records[written.ID] = prior.Clone()
	return nil
}

func (s *Store) lookup(id string) *store.Record {
	r, ok := s.records[id]
	if !ok {
		return nil
	}
	return &r
}

// Put stores rec unconditionally. Used to seed fixtures.
func (s *Store) Put(rec store.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec.Clone()
}

// Snapshot returns all records sorted by id.
func (s *Store) Snapshot() []store.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
