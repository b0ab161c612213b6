// Package scan wires fingerprinting, the verdict cache, feature extraction,
// batching and classification into the per-request scan pipeline.
package scan

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/straja-ai/apkguard/internal/apk"
	"github.com/straja-ai/apkguard/internal/batch"
	"github.com/straja-ai/apkguard/internal/cache"
	"github.com/straja-ai/apkguard/internal/classifier"
	"github.com/straja-ai/apkguard/internal/features"
	"github.com/straja-ai/apkguard/internal/fingerprint"
	"github.com/straja-ai/apkguard/internal/redact"
)

// ErrScanFailed is returned when the batch could not be classified. No
// partial results accompany it.
var ErrScanFailed = errors.New("scan failed")

// Result is the verdict for one distinct submitted package.
type Result struct {
	Fingerprint fingerprint.Fingerprint `json:"sha256"`
	Verdict     classifier.Verdict      `json:"prediction"`
	Cached      bool                    `json:"-"`
}

// Stats summarizes one Scan call.
type Stats struct {
	Submitted   int
	Accepted    int // carried the archive signature
	Unique      int
	CacheHits   int
	Extracted   int
	Unparseable int
	Inferred    int
	Inference   time.Duration
}

// Options configures an Orchestrator.
type Options struct {
	Parser     apk.Parser
	Classifier *classifier.Classifier
	Cache      *cache.Gateway
	// Workers bounds concurrent extractions across all requests.
	// Zero means GOMAXPROCS.
	Workers int
}

// Orchestrator runs scans. One instance is shared by all requests.
type Orchestrator struct {
	parser     apk.Parser
	classifier *classifier.Classifier
	cache      *cache.Gateway
	workers    int
	sem        *semaphore.Weighted
}

// New builds an orchestrator from opts.
func New(opts Options) *Orchestrator {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	parser := opts.Parser
	if parser == nil {
		parser = apk.NewDexParser(apk.DefaultMaxEntryBytes)
	}
	return &Orchestrator{
		parser:     parser,
		classifier: opts.Classifier,
		cache:      opts.Cache,
		workers:    workers,
		sem:        semaphore.NewWeighted(int64(workers)),
	}
}

type submission struct {
	fp   fingerprint.Fingerprint
	data []byte
}

type extraction struct {
	fp  fingerprint.Fingerprint
	fs  features.FeatureSet
	err error
}

// Scan classifies files and returns one result per distinct package, sorted
// by fingerprint.
func (o *Orchestrator) Scan(ctx context.Context, files [][]byte) ([]Result, error) {
	results, _, err := o.ScanWithStats(ctx, files)
	return results, err
}

// ScanWithStats is Scan plus a summary of what happened.
func (o *Orchestrator) ScanWithStats(ctx context.Context, files [][]byte) ([]Result, Stats, error) {
	stats := Stats{Submitted: len(files)}

	subs := o.ingest(files, &stats)
	if len(subs) == 0 {
		return []Result{}, stats, nil
	}

	fps := make([]fingerprint.Fingerprint, len(subs))
	for i, s := range subs {
		fps[i] = s.fp
	}
	hits := o.cache.LookupMany(ctx, fps)
	stats.CacheHits = len(hits)

	results := make([]Result, 0, len(subs))
	var misses []submission
	for _, s := range subs {
		if v, ok := hits[s.fp]; ok {
			results = append(results, Result{Fingerprint: s.fp, Verdict: v, Cached: true})
			continue
		}
		misses = append(misses, s)
	}

	if len(misses) > 0 {
		fresh, err := o.classifyMisses(ctx, misses, &stats)
		if err != nil {
			return nil, stats, err
		}
		results = append(results, fresh...)
	}

	slices.SortFunc(results, func(a, b Result) int {
		return strings.Compare(string(a.Fingerprint), string(b.Fingerprint))
	})
	return results, stats, nil
}

// ingest drops non-archives and collapses duplicate content, keeping the
// first occurrence.
func (o *Orchestrator) ingest(files [][]byte, stats *Stats) []submission {
	seen := make(map[fingerprint.Fingerprint]struct{}, len(files))
	subs := make([]submission, 0, len(files))
	for _, data := range files {
		if !apk.HasSignature(data) {
			continue
		}
		stats.Accepted++
		fp := fingerprint.Of(data)
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}
		subs = append(subs, submission{fp: fp, data: data})
	}
	stats.Unique = len(subs)
	return subs
}

func (o *Orchestrator) classifyMisses(ctx context.Context, misses []submission, stats *Stats) ([]Result, error) {
	extracted, err := o.extractAll(ctx, misses)
	if err != nil {
		return nil, err
	}

	var (
		sets []features.FeatureSet
		fps  []fingerprint.Fingerprint
	)
	for _, e := range extracted {
		if e.err != nil {
			stats.Unparseable++
			redact.Logf("scan: skipping %s: %v", e.fp.Short(), e.err)
			continue
		}
		sets = append(sets, e.fs)
		fps = append(fps, e.fp)
	}
	stats.Extracted = len(sets)

	b, ok := batch.Assemble(sets)
	if !ok {
		return nil, nil
	}

	start := time.Now()
	verdicts, err := o.classifier.Classify(b)
	stats.Inference = time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScanFailed, err)
	}
	stats.Inferred = len(verdicts)

	fresh := make([]Result, len(verdicts))
	writeBack := make(map[fingerprint.Fingerprint]classifier.Verdict, len(verdicts))
	for i, v := range verdicts {
		fresh[i] = Result{Fingerprint: fps[i], Verdict: v}
		writeBack[fps[i]] = v
	}
	o.cache.WriteMany(ctx, writeBack)
	return fresh, nil
}

// extractAll parses every miss on the shared worker pool. Each file is its
// own failure domain: per-file errors land in the result slot and never stop
// the group. Only context cancellation aborts the fan-out.
func (o *Orchestrator) extractAll(ctx context.Context, misses []submission) ([]extraction, error) {
	out := make([]extraction, len(misses))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for i, s := range misses {
		g.Go(func() error {
			if err := o.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer o.sem.Release(1)

			fs, err := features.ExtractBytes(o.parser, s.data)
			out[i] = extraction{fp: s.fp, fs: fs, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
