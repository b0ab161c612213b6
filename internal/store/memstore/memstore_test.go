package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/straja-ai/apkguard/internal/classifier"
	"github.com/straja-ai/apkguard/internal/fingerprint"
	"github.com/straja-ai/apkguard/internal/store"
)

func TestFirstWriteWins(t *testing.T) {
	s := New()
	ctx := context.Background()
	fp := fingerprint.Of([]byte("x"))

	err := s.InsertMany(ctx, []store.Record{
		{Fingerprint: fp, Verdict: classifier.Verdict{Detection: classifier.Riskware, Probability: 0.4}},
		{Fingerprint: fp, Verdict: classifier.Verdict{Detection: classifier.Benign, Probability: 0.9}},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 record, got %d", s.Len())
	}
	got, err := s.Find(ctx, fp)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Verdict.Detection != classifier.Riskware || got.CreatedAt.IsZero() {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestFindManyAndMissing(t *testing.T) {
	s := New()
	ctx := context.Background()
	hit := fingerprint.Of([]byte("hit"))
	miss := fingerprint.Of([]byte("miss"))
	_ = s.InsertMany(ctx, []store.Record{{Fingerprint: hit}})

	got, err := s.FindMany(ctx, []fingerprint.Fingerprint{hit, miss})
	if err != nil {
		t.Fatalf("find many: %v", err)
	}
	if _, ok := got[hit]; !ok || len(got) != 1 {
		t.Fatalf("unexpected hits %v", got)
	}
	if _, err := s.Find(ctx, miss); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCanceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.FindMany(ctx, nil); err == nil {
		t.Fatalf("expected context error")
	}
}
