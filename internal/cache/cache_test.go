package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/straja-ai/apkguard/internal/classifier"
	"github.com/straja-ai/apkguard/internal/fingerprint"
	"github.com/straja-ai/apkguard/internal/store"
	"github.com/straja-ai/apkguard/internal/store/memstore"
)

type failingStore struct {
	findErr   error
	insertErr error
	inserts   int
}

func (f *failingStore) FindMany(ctx context.Context, fps []fingerprint.Fingerprint) (map[fingerprint.Fingerprint]store.Record, error) {
	return nil, f.findErr
}

func (f *failingStore) Find(ctx context.Context, fp fingerprint.Fingerprint) (store.Record, error) {
	return store.Record{}, f.findErr
}

func (f *failingStore) InsertMany(ctx context.Context, records []store.Record) error {
	f.inserts++
	return f.insertErr
}

func (f *failingStore) Close() error { return nil }

func TestLookupAndWriteRoundTrip(t *testing.T) {
	s := memstore.New()
	g := New(s, nil)
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return fixed }
	ctx := context.Background()

	a := fingerprint.Of([]byte("a"))
	b := fingerprint.Of([]byte("b"))
	g.WriteMany(ctx, map[fingerprint.Fingerprint]classifier.Verdict{
		a: {Detection: classifier.Adware, Probability: 0.6},
		b: {Detection: classifier.Benign, Probability: 0.99},
	})

	hits := g.LookupMany(ctx, []fingerprint.Fingerprint{a, b, fingerprint.Of([]byte("c"))})
	if len(hits) != 2 || hits[a].Detection != classifier.Adware || hits[b].Detection != classifier.Benign {
		t.Fatalf("unexpected hits %+v", hits)
	}

	rec, err := s.Find(ctx, a)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !rec.CreatedAt.Equal(fixed) {
		t.Fatalf("expected shared timestamp, got %v", rec.CreatedAt)
	}
}

func TestLookupFailureIsMiss(t *testing.T) {
	g := New(&failingStore{findErr: errors.New("connection refused")}, nil)
	hits := g.LookupMany(context.Background(), []fingerprint.Fingerprint{fingerprint.Of([]byte("a"))})
	if hits == nil || len(hits) != 0 {
		t.Fatalf("expected empty non-nil hits, got %v", hits)
	}
}

func TestWriteFailureIsSwallowed(t *testing.T) {
	fs := &failingStore{insertErr: errors.New("disk full")}
	g := New(fs, nil)
	g.WriteMany(context.Background(), map[fingerprint.Fingerprint]classifier.Verdict{
		fingerprint.Of([]byte("a")): {Detection: classifier.SMS, Probability: 1},
	})
	if fs.inserts != 1 {
		t.Fatalf("expected one batched insert, got %d", fs.inserts)
	}

	g.WriteMany(context.Background(), nil)
	if fs.inserts != 1 {
		t.Fatalf("empty write should not reach the store")
	}
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	g := New(s, nil)
	fp := fingerprint.Of([]byte("x"))

	if _, ok, err := g.Get(ctx, fp); ok || err != nil {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}
	g.WriteMany(ctx, map[fingerprint.Fingerprint]classifier.Verdict{fp: {Detection: classifier.Banking, Probability: 0.7}})
	v, ok, err := g.Get(ctx, fp)
	if !ok || err != nil || v.Detection != classifier.Banking {
		t.Fatalf("unexpected get result %+v %v %v", v, ok, err)
	}

	broken := New(&failingStore{findErr: errors.New("timeout")}, nil)
	if _, _, err := broken.Get(ctx, fp); err == nil {
		t.Fatalf("expected store error to surface")
	}
}
