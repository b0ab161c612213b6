// Package cache fronts the persistent store with the lookup and write-back
// semantics the scan pipeline needs: store trouble never fails a scan.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/straja-ai/apkguard/internal/classifier"
	"github.com/straja-ai/apkguard/internal/fingerprint"
	"github.com/straja-ai/apkguard/internal/redact"
	"github.com/straja-ai/apkguard/internal/store"
	"github.com/straja-ai/apkguard/internal/telemetry"
)

// Gateway wraps a store.Store.
type Gateway struct {
	store   store.Store
	metrics *telemetry.Provider
	now     func() time.Time
}

// New returns a gateway over s. metrics may be nil.
func New(s store.Store, metrics *telemetry.Provider) *Gateway {
	return &Gateway{store: s, metrics: metrics, now: time.Now}
}

// LookupMany returns the verdicts already known for fps. A store failure is
// logged and reported as no hits.
func (g *Gateway) LookupMany(ctx context.Context, fps []fingerprint.Fingerprint) map[fingerprint.Fingerprint]classifier.Verdict {
	hits := make(map[fingerprint.Fingerprint]classifier.Verdict)
	if g == nil || g.store == nil || len(fps) == 0 {
		return hits
	}

	records, err := g.store.FindMany(ctx, fps)
	if err != nil {
		redact.Logf("cache: lookup of %d fingerprints failed, treating as miss: %v", len(fps), err)
		g.metrics.RecordStoreError(ctx, "find")
		return hits
	}
	for fp, rec := range records {
		hits[fp] = rec.Verdict
	}
	return hits
}

// WriteMany persists fresh verdicts with one shared timestamp. Failures are
// logged; the verdicts are still returned to the caller by the pipeline.
func (g *Gateway) WriteMany(ctx context.Context, verdicts map[fingerprint.Fingerprint]classifier.Verdict) {
	if g == nil || g.store == nil || len(verdicts) == 0 {
		return
	}

	created := g.now().UTC()
	records := make([]store.Record, 0, len(verdicts))
	for fp, v := range verdicts {
		records = append(records, store.Record{Fingerprint: fp, Verdict: v, CreatedAt: created})
	}
	if err := g.store.InsertMany(ctx, records); err != nil {
		redact.Logf("cache: write-back of %d verdicts failed: %v", len(records), err)
		g.metrics.RecordStoreError(ctx, "insert")
	}
}

// Get looks up a single fingerprint. Missing entries return ok=false and no
// error; store failures are returned.
func (g *Gateway) Get(ctx context.Context, fp fingerprint.Fingerprint) (classifier.Verdict, bool, error) {
	if g == nil || g.store == nil {
		return classifier.Verdict{}, false, errors.New("cache: no store configured")
	}
	rec, err := g.store.Find(ctx, fp)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return classifier.Verdict{}, false, nil
		}
		g.metrics.RecordStoreError(ctx, "find")
		return classifier.Verdict{}, false, err
	}
	return rec.Verdict, true, nil
}
