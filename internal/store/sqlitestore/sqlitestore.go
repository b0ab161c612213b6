// Package sqlitestore keeps verdicts in a single SQLite file.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/straja-ai/apkguard/internal/classifier"
	"github.com/straja-ai/apkguard/internal/fingerprint"
	"github.com/straja-ai/apkguard/internal/store"
)

// queryChunk bounds the number of bound parameters per IN query.
const queryChunk = 500

const schema = `
CREATE TABLE IF NOT EXISTS verdicts (
	sha256     TEXT PRIMARY KEY,
	det        TEXT NOT NULL,
	proba      REAL NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_verdicts_created_at ON verdicts(created_at);
`

// Store is a store.Store backed by SQLite.
type Store struct {
	conn *sql.DB
	path string
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database file and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlitestore: create directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %q: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-16000", // 16MB cache
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("sqlitestore: set pragma: %w", err)
		}
	}

	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sqlitestore: initialize schema: %w", err)
	}

	return &Store{conn: conn, path: path}, nil
}

// FindMany returns the stored records among fps.
func (s *Store) FindMany(ctx context.Context, fps []fingerprint.Fingerprint) (map[fingerprint.Fingerprint]store.Record, error) {
	out := make(map[fingerprint.Fingerprint]store.Record, len(fps))
	for start := 0; start < len(fps); start += queryChunk {
		end := start + queryChunk
		if end > len(fps) {
			end = len(fps)
		}
		if err := s.findChunk(ctx, fps[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) findChunk(ctx context.Context, fps []fingerprint.Fingerprint, out map[fingerprint.Fingerprint]store.Record) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(fps)), ",")
	args := make([]interface{}, len(fps))
	for i, fp := range fps {
		args[i] = string(fp)
	}

	rows, err := s.conn.QueryContext(ctx,
		"SELECT sha256, det, proba, created_at FROM verdicts WHERE sha256 IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("sqlitestore: query verdicts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		out[rec.Fingerprint] = rec
	}
	return rows.Err()
}

// Find returns the verdict for one fingerprint or store.ErrNotFound.
func (s *Store) Find(ctx context.Context, fp fingerprint.Fingerprint) (store.Record, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT sha256, det, proba, created_at FROM verdicts WHERE sha256 = ?", string(fp))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	return rec, err
}

// InsertMany inserts all records in one transaction. Existing fingerprints
// are left untouched.
func (s *Store) InsertMany(ctx context.Context, records []store.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR IGNORE INTO verdicts (sha256, det, proba, created_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("sqlitestore: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		created := rec.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			string(rec.Fingerprint),
			rec.Verdict.Detection.String(),
			float64(rec.Verdict.Probability),
			created.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("sqlitestore: insert %s: %w", rec.Fingerprint.Short(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlitestore: commit: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (store.Record, error) {
	var (
		sha, det, created string
		proba             float64
	)
	if err := row.Scan(&sha, &det, &proba, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Record{}, err
		}
		return store.Record{}, fmt.Errorf("sqlitestore: scan row: %w", err)
	}

	var d classifier.Detection
	if err := d.UnmarshalText([]byte(det)); err != nil {
		return store.Record{}, fmt.Errorf("sqlitestore: row %s: %w", sha, err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return store.Record{}, fmt.Errorf("sqlitestore: row %s: bad created_at: %w", sha, err)
	}

	return store.Record{
		Fingerprint: fingerprint.Fingerprint(sha),
		Verdict:     classifier.Verdict{Detection: d, Probability: float32(proba)},
		CreatedAt:   createdAt,
	}, nil
}
