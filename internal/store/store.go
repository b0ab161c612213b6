// Package store defines the persistent verdict store shared by every scan
// and the backends that implement it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/straja-ai/apkguard/internal/classifier"
	"github.com/straja-ai/apkguard/internal/fingerprint"
)

// ErrNotFound is returned by Find when no verdict exists for a fingerprint.
var ErrNotFound = errors.New("verdict not found")

// Record is one persisted verdict.
type Record struct {
	Fingerprint fingerprint.Fingerprint `json:"sha256"`
	Verdict     classifier.Verdict      `json:"prediction"`
	CreatedAt   time.Time               `json:"created_at"`
}

// Store persists verdicts keyed by fingerprint. Implementations are safe for
// concurrent use. InsertMany never overwrites an existing fingerprint.
type Store interface {
	FindMany(ctx context.Context, fps []fingerprint.Fingerprint) (map[fingerprint.Fingerprint]Record, error)
	Find(ctx context.Context, fp fingerprint.Fingerprint) (Record, error)
	InsertMany(ctx context.Context, records []Record) error
	Close() error
}
