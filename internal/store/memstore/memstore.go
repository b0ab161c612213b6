// Package memstore is an in-process store.Store used for tests and for
// running without persistence.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/straja-ai/apkguard/internal/fingerprint"
	"github.com/straja-ai/apkguard/internal/store"
)

// Store holds verdicts in a map.
type Store struct {
	mu      sync.RWMutex
	records map[fingerprint.Fingerprint]store.Record
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{records: make(map[fingerprint.Fingerprint]store.Record)}
}

func (s *Store) FindMany(ctx context.Context, fps []fingerprint.Fingerprint) (map[fingerprint.Fingerprint]store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[fingerprint.Fingerprint]store.Record, len(fps))
	for _, fp := range fps {
		if rec, ok := s.records[fp]; ok {
			out[fp] = rec
		}
	}
	return out, nil
}

func (s *Store) Find(ctx context.Context, fp fingerprint.Fingerprint) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return store.Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[fp]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	return rec, nil
}

// InsertMany adds records; the first write of a fingerprint wins.
func (s *Store) InsertMany(ctx context.Context, records []store.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		if _, exists := s.records[rec.Fingerprint]; exists {
			continue
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
		s.records[rec.Fingerprint] = rec
	}
	return nil
}

// Len reports the number of stored verdicts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) Close() error { return nil }
