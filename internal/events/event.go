// Package events records one event per completed scan request and delivers
// it asynchronously to JSONL and webhook sinks.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/straja-ai/apkguard/internal/scan"
)

// EventVersion is bumped when the JSON shape of Event changes.
const EventVersion = "1"

// Decision is the outcome of a scan request.
type Decision string

const (
	DecisionOK             Decision = "ok"
	DecisionErrorInference Decision = "error_inference"
	DecisionBadRequest     Decision = "bad_request"
)

// FileVerdict is one distinct package of the request.
type FileVerdict struct {
	SHA256      string  `json:"sha256"`
	Detection   string  `json:"det"`
	Probability float32 `json:"proba"`
	Cached      bool    `json:"cached"`
}

type Counts struct {
	Submitted   int `json:"submitted"`
	Accepted    int `json:"accepted"`
	Unique      int `json:"unique"`
	CacheHits   int `json:"cache_hits"`
	Unparseable int `json:"unparseable"`
	Inferred    int `json:"inferred"`
}

type TimingMs struct {
	Inference float64 `json:"inference"`
	Total     float64 `json:"total"`
}

// Event is the canonical scan event payload.
type Event struct {
	Version   string        `json:"version"`
	Timestamp time.Time     `json:"timestamp"`
	RequestID string        `json:"request_id"`
	Decision  Decision      `json:"decision"`
	Counts    Counts        `json:"counts"`
	Files     []FileVerdict `json:"files"`
	TimingMs  TimingMs      `json:"timing_ms"`
}

// Build assembles an event from a scan outcome. results may be nil when the
// scan failed.
func Build(requestID string, decision Decision, results []scan.Result, stats scan.Stats, total time.Duration) *Event {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	files := make([]FileVerdict, 0, len(results))
	for _, r := range results {
		files = append(files, FileVerdict{
			SHA256:      r.Fingerprint.String(),
			Detection:   r.Verdict.Detection.String(),
			Probability: r.Verdict.Probability,
			Cached:      r.Cached,
		})
	}
	return &Event{
		Version:   EventVersion,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
		Decision:  decision,
		Counts: Counts{
			Submitted:   stats.Submitted,
			Accepted:    stats.Accepted,
			Unique:      stats.Unique,
			CacheHits:   stats.CacheHits,
			Unparseable: stats.Unparseable,
			Inferred:    stats.Inferred,
		},
		Files: files,
		TimingMs: TimingMs{
			Inference: durationMs(stats.Inference),
			Total:     durationMs(total),
		},
	}
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
