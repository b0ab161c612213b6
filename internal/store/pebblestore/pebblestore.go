// Package pebblestore keeps verdicts in a local Pebble LSM database.
package pebblestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/straja-ai/apkguard/internal/fingerprint"
	"github.com/straja-ai/apkguard/internal/store"
)

// Verdict keys are "v:<fingerprint>"; the key itself is the lookup index.
var prefixVerdict = []byte("v:")

const maxOpenRetries = 5

// Options configures Open.
type Options struct {
	CacheSize int64
	ReadOnly  bool
}

// Store is a store.Store backed by Pebble.
type Store struct {
	db *pebble.DB
	// mu serializes InsertMany so the exists-then-set check is atomic.
	mu sync.Mutex
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database at path. A held lock from a previous
// process is retried with exponential backoff.
func Open(path string, opts Options) (*Store, error) {
	if opts.CacheSize == 0 {
		opts.CacheSize = 8 << 20
	}

	cache := pebble.NewCache(opts.CacheSize)
	defer cache.Unref()

	pebbleOpts := &pebble.Options{
		Cache:    cache,
		ReadOnly: opts.ReadOnly,
	}

	var (
		db  *pebble.DB
		err error
	)
	for i := 0; i < maxOpenRetries; i++ {
		db, err = pebble.Open(path, pebbleOpts)
		if err == nil {
			break
		}
		if strings.Contains(err.Error(), "lock") || strings.Contains(err.Error(), "temporarily unavailable") {
			time.Sleep(100 * time.Millisecond * time.Duration(1<<i))
			continue
		}
		return nil, fmt.Errorf("pebblestore: open %q: %w", path, err)
	}
	if err != nil {
		return nil, fmt.Errorf("pebblestore: acquire lock for %q after %d attempts: %w", path, maxOpenRetries, err)
	}

	return &Store{db: db}, nil
}

func verdictKey(fp fingerprint.Fingerprint) []byte {
	key := make([]byte, 0, len(prefixVerdict)+len(fp))
	key = append(key, prefixVerdict...)
	return append(key, fp...)
}

// FindMany reads all requested fingerprints from a single snapshot.
func (s *Store) FindMany(ctx context.Context, fps []fingerprint.Fingerprint) (map[fingerprint.Fingerprint]store.Record, error) {
	out := make(map[fingerprint.Fingerprint]store.Record, len(fps))
	if len(fps) == 0 {
		return out, nil
	}

	snap := s.db.NewSnapshot()
	defer snap.Close()

	for _, fp := range fps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, closer, err := snap.Get(verdictKey(fp))
		if err != nil {
			if errors.Is(err, pebble.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("pebblestore: read %s: %w", fp.Short(), err)
		}
		var rec store.Record
		decodeErr := json.Unmarshal(data, &rec)
		closer.Close()
		if decodeErr != nil {
			return nil, fmt.Errorf("pebblestore: decode %s: %w", fp.Short(), decodeErr)
		}
		out[fp] = rec
	}
	return out, nil
}

// Find returns the verdict for one fingerprint or store.ErrNotFound.
func (s *Store) Find(ctx context.Context, fp fingerprint.Fingerprint) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return store.Record{}, err
	}
	data, closer, err := s.db.Get(verdictKey(fp))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return store.Record{}, store.ErrNotFound
		}
		return store.Record{}, fmt.Errorf("pebblestore: read %s: %w", fp.Short(), err)
	}
	defer closer.Close()

	var rec store.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return store.Record{}, fmt.Errorf("pebblestore: decode %s: %w", fp.Short(), err)
	}
	return rec, nil
}

// InsertMany writes all new records in one synced batch. Fingerprints that
// already exist keep their original record.
func (s *Store) InsertMany(ctx context.Context, records []store.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	staged := make(map[fingerprint.Fingerprint]struct{}, len(records))
	for _, rec := range records {
		if _, dup := staged[rec.Fingerprint]; dup {
			continue
		}
		key := verdictKey(rec.Fingerprint)
		_, closer, err := s.db.Get(key)
		if err == nil {
			closer.Close()
			continue
		}
		if !errors.Is(err, pebble.ErrNotFound) {
			return fmt.Errorf("pebblestore: check %s: %w", rec.Fingerprint.Short(), err)
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("pebblestore: encode %s: %w", rec.Fingerprint.Short(), err)
		}
		if err := batch.Set(key, data, pebble.Sync); err != nil {
			return fmt.Errorf("pebblestore: stage %s: %w", rec.Fingerprint.Short(), err)
		}
		staged[rec.Fingerprint] = struct{}{}
	}
	if len(staged) == 0 {
		return nil
	}
	return batch.Commit(pebble.Sync)
}

// Close releases the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
