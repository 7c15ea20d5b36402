// Package store persists learned patterns in SQLite and serves ranked
// pattern searches. Two search paths exist: a keyword path that is always
// available, and a semantic path used when an embedding engine is
// configured. Semantic failures degrade to the keyword path rather than
// surfacing errors, so pattern recall keeps working when the embedding
// service is down.
//
// Evidence and outcomes are tracked separately: EvidenceCount counts how
// often the detector has seen a pattern, while TimesSeen/TimesSuccessful
// count execution outcomes attributed to it.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"flywheel/internal/embedding"
	"flywheel/internal/logging"
	"flywheel/internal/types"
)

// ErrNotFound is returned when a pattern id does not exist.
var ErrNotFound = errors.New("pattern not found")

const (
	// defaultSearchLimit caps SearchPatterns results when the caller passes
	// a non-positive limit.
	defaultSearchLimit = 10

	// reindexParallelism bounds concurrent embedding calls during
	// ReindexEmbeddings.
	reindexParallelism = 4
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS patterns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	pattern_type TEXT NOT NULL,
	name TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0,
	evidence_count INTEGER NOT NULL DEFAULT 1,
	times_seen INTEGER NOT NULL DEFAULT 0,
	times_successful INTEGER NOT NULL DEFAULT 0,
	metadata TEXT NOT NULL DEFAULT '{}',
	embedding BLOB,
	created_at TEXT NOT NULL,
	last_seen TEXT NOT NULL,
	UNIQUE(pattern_type, name)
);

CREATE INDEX IF NOT EXISTS idx_patterns_type ON patterns(pattern_type);
CREATE INDEX IF NOT EXISTS idx_patterns_last_seen ON patterns(last_seen);
`

// =============================================================================
// STORE
// =============================================================================

// Store is the SQLite-backed pattern store. A nil embedding engine is
// valid and means the semantic path is disabled.
type Store struct {
	db     *sql.DB
	engine embedding.EmbeddingEngine

	mu     sync.RWMutex
	dbPath string
	closed bool
}

// NewStore opens (creating if necessary) the pattern database at path.
// engine may be nil to run keyword-only.
func NewStore(path string, engine embedding.EmbeddingEngine) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewStore")
	defer timer.Stop()

	logging.Store("Opening pattern store at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pattern database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize pattern schema: %w", err)
	}

	if engine != nil {
		logging.Store("Semantic search enabled via %s (%d dimensions)", engine.Name(), engine.Dimensions())
	} else {
		logging.Store("No embedding engine, keyword search only")
	}

	return &Store{db: db, engine: engine, dbPath: path}, nil
}

// Close closes the underlying database. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	logging.Store("Pattern store closed")
	return s.db.Close()
}

// Engine exposes the configured embedding engine, nil when semantic
// search is disabled.
func (s *Store) Engine() embedding.EmbeddingEngine {
	return s.engine
}

// =============================================================================
// WRITES
// =============================================================================

// StorePattern records one more sighting of a pattern. The first sighting
// inserts a row; later sightings increment EvidenceCount, refresh LastSeen
// and Content, keep the highest confidence seen so far, and merge metadata
// keys. Confidence is clamped to [0, 1]. Returns the pattern id.
func (s *Store) StorePattern(ctx context.Context, patternType types.PatternType, name, content string, confidence float64, metadata map[string]string) (int64, error) {
	if !patternType.Valid() {
		return 0, fmt.Errorf("unknown pattern type %q", patternType)
	}
	if name == "" {
		return 0, errors.New("pattern name is required")
	}
	confidence = clamp01(confidence)

	// Embed outside the write lock. A failed embed is logged and the
	// pattern is stored without a vector.
	var blob []byte
	if s.engine != nil {
		vec, err := s.engine.Embed(ctx, embedInput(name, content))
		if err != nil {
			logging.StoreWarn("Embedding failed for pattern %s/%s, storing without vector: %v", patternType, name, err)
		} else {
			blob = MarshalEmbedding(vec)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("pattern store closed")
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	var (
		id           int64
		existingConf float64
		existingMeta string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, confidence, metadata FROM patterns WHERE pattern_type = ? AND name = ?`,
		string(patternType), name).Scan(&id, &existingConf, &existingMeta)
	switch {
	case err == sql.ErrNoRows:
		metaJSON, mErr := marshalMetadata(metadata)
		if mErr != nil {
			return 0, mErr
		}
		res, iErr := s.db.ExecContext(ctx,
			`INSERT INTO patterns (pattern_type, name, content, confidence, evidence_count, metadata, embedding, created_at, last_seen)
			 VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?)`,
			string(patternType), name, content, confidence, metaJSON, blob, now, now)
		if iErr != nil {
			return 0, fmt.Errorf("failed to insert pattern: %w", iErr)
		}
		id, iErr = res.LastInsertId()
		if iErr != nil {
			return 0, fmt.Errorf("failed to read pattern id: %w", iErr)
		}
		logging.StoreDebug("Stored new pattern %d %s/%s confidence=%.2f", id, patternType, name, confidence)
		return id, nil

	case err != nil:
		return 0, fmt.Errorf("failed to look up pattern: %w", err)
	}

	if existingConf > confidence {
		confidence = existingConf
	}
	metaJSON, err := mergeMetadata(existingMeta, metadata)
	if err != nil {
		return 0, err
	}

	// Keep the old vector when this sighting produced none.
	if blob != nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE patterns SET evidence_count = evidence_count + 1, confidence = ?, content = CASE WHEN ? != '' THEN ? ELSE content END,
			 metadata = ?, embedding = ?, last_seen = ? WHERE id = ?`,
			confidence, content, content, metaJSON, blob, now, id)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE patterns SET evidence_count = evidence_count + 1, confidence = ?, content = CASE WHEN ? != '' THEN ? ELSE content END,
			 metadata = ?, last_seen = ? WHERE id = ?`,
			confidence, content, content, metaJSON, now, id)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to update pattern: %w", err)
	}
	logging.StoreDebug("Accumulated evidence for pattern %d %s/%s confidence=%.2f", id, patternType, name, confidence)
	return id, nil
}

// RecordOutcome attributes one execution outcome to a pattern. TimesSeen
// always increments; TimesSuccessful increments only on success.
func (s *Store) RecordOutcome(ctx context.Context, id int64, succeeded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("pattern store closed")
	}

	success := 0
	if succeeded {
		success = 1
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE patterns SET times_seen = times_seen + 1, times_successful = times_successful + ?, last_seen = ? WHERE id = ?`,
		success, now, id)
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	logging.StoreDebug("Recorded outcome for pattern %d success=%v", id, succeeded)
	return nil
}

// Prune deletes stale low-value patterns: confidence below maxConfidence
// and not seen within olderThan. Returns the number of rows removed.
func (s *Store) Prune(ctx context.Context, maxConfidence float64, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("pattern store closed")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM patterns WHERE confidence < ? AND last_seen < ?`,
		maxConfidence, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune patterns: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to prune patterns: %w", err)
	}
	if n > 0 {
		logging.Store("Pruned %d stale patterns (confidence < %.2f, idle > %v)", n, maxConfidence, olderThan)
	}
	return int(n), nil
}

// ReindexEmbeddings recomputes the embedding of every pattern with the
// current engine. Useful after switching models or enabling semantic
// search on an existing database. Returns the number of patterns
// re-embedded.
func (s *Store) ReindexEmbeddings(ctx context.Context) (int, error) {
	if s.engine == nil {
		return 0, errors.New("no embedding engine configured")
	}

	timer := logging.StartTimer(logging.CategoryStore, "ReindexEmbeddings")
	defer timer.Stop()

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, content FROM patterns`)
	if err != nil {
		return 0, fmt.Errorf("failed to list patterns: %w", err)
	}
	type target struct {
		id            int64
		name, content string
	}
	var targets []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.id, &t.name, &t.content); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan pattern: %w", err)
		}
		targets = append(targets, t)
	}
	if err := rows.Close(); err != nil {
		return 0, fmt.Errorf("failed to list patterns: %w", err)
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reindexParallelism)
	for _, t := range targets {
		g.Go(func() error {
			vec, err := s.engine.Embed(gctx, embedInput(t.name, t.content))
			if err != nil {
				return fmt.Errorf("failed to embed pattern %d: %w", t.id, err)
			}
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.closed {
				return errors.New("pattern store closed")
			}
			if _, err := s.db.ExecContext(gctx, `UPDATE patterns SET embedding = ? WHERE id = ?`, MarshalEmbedding(vec), t.id); err != nil {
				return fmt.Errorf("failed to store embedding for pattern %d: %w", t.id, err)
			}
			done.Add(1)
			return nil
		})
	}
	err = g.Wait()
	n := int(done.Load())
	logging.Store("Reindexed %d/%d pattern embeddings", n, len(targets))
	return n, err
}

// =============================================================================
// READS
// =============================================================================

// Get returns the pattern with the given id.
func (s *Store) Get(ctx context.Context, id int64) (Pattern, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM patterns WHERE id = ?`, id)
	p, err := scanPattern(row)
	if err == sql.ErrNoRows {
		return Pattern{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return Pattern{}, fmt.Errorf("failed to load pattern: %w", err)
	}
	return p, nil
}

// FindByName returns the pattern with the given type and name. The pair
// is unique, so this is how loops that only know a signal's pattern
// identity reach the stored row.
func (s *Store) FindByName(ctx context.Context, patternType types.PatternType, name string) (Pattern, error) {
	row := s.db.QueryRowContext(ctx,
		selectColumns+` FROM patterns WHERE pattern_type = ? AND name = ?`,
		string(patternType), name)
	p, err := scanPattern(row)
	if err == sql.ErrNoRows {
		return Pattern{}, fmt.Errorf("%w: %s/%s", ErrNotFound, patternType, name)
	}
	if err != nil {
		return Pattern{}, fmt.Errorf("failed to load pattern: %w", err)
	}
	return p, nil
}

// EvidenceCount returns how many times the named pattern has been
// detected, 0 when it has never been stored.
func (s *Store) EvidenceCount(ctx context.Context, patternType types.PatternType, name string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT evidence_count FROM patterns WHERE pattern_type = ? AND name = ?`,
		string(patternType), name).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count evidence: %w", err)
	}
	return n, nil
}

// List returns patterns ordered by confidence, newest-seen first within
// equal confidence. An empty typeFilter lists all types.
func (s *Store) List(ctx context.Context, typeFilter types.PatternType, limit int) ([]Pattern, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	query := selectColumns + ` FROM patterns`
	args := []interface{}{}
	if typeFilter != "" {
		query += ` WHERE pattern_type = ?`
		args = append(args, string(typeFilter))
	}
	query += ` ORDER BY confidence DESC, last_seen DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list patterns: %w", err)
	}
	defer rows.Close()
	return scanPatterns(rows)
}

// StoreStats summarizes the pattern database.
type StoreStats struct {
	Total         int            `json:"total"`
	ByType        map[string]int `json:"by_type"`
	WithEmbedding int            `json:"with_embedding"`
	AvgConfidence float64        `json:"avg_confidence"`
}

// Stats reports pattern counts and average confidence.
func (s *Store) Stats(ctx context.Context) (StoreStats, error) {
	st := StoreStats{ByType: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT pattern_type, COUNT(*) FROM patterns GROUP BY pattern_type`)
	if err != nil {
		return st, fmt.Errorf("failed to collect stats: %w", err)
	}
	for rows.Next() {
		var pt string
		var n int
		if err := rows.Scan(&pt, &n); err != nil {
			rows.Close()
			return st, fmt.Errorf("failed to collect stats: %w", err)
		}
		st.ByType[pt] = n
		st.Total += n
	}
	if err := rows.Close(); err != nil {
		return st, fmt.Errorf("failed to collect stats: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM patterns WHERE embedding IS NOT NULL`).Scan(&st.WithEmbedding)
	if err != nil {
		return st, fmt.Errorf("failed to collect stats: %w", err)
	}
	if st.Total > 0 {
		if err := s.db.QueryRowContext(ctx, `SELECT AVG(confidence) FROM patterns`).Scan(&st.AvgConfidence); err != nil {
			return st, fmt.Errorf("failed to collect stats: %w", err)
		}
	}
	return st, nil
}

// =============================================================================
// SCANNING
// =============================================================================

const selectColumns = `SELECT id, pattern_type, name, content, confidence, evidence_count, times_seen, times_successful, metadata, embedding, created_at, last_seen`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPattern(row rowScanner) (Pattern, error) {
	var (
		p                   Pattern
		pt                  string
		metaJSON            string
		blob                []byte
		createdAt, lastSeen string
	)
	err := row.Scan(&p.ID, &pt, &p.Name, &p.Content, &p.Confidence, &p.EvidenceCount,
		&p.TimesSeen, &p.TimesSuccessful, &metaJSON, &blob, &createdAt, &lastSeen)
	if err != nil {
		return Pattern{}, err
	}
	p.Type = types.PatternType(pt)
	p.Embedding = UnmarshalEmbedding(blob)
	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &p.Metadata); err != nil {
			logging.StoreDebug("Ignoring unreadable metadata on pattern %d: %v", p.ID, err)
		}
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	p.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
	return p, nil
}

func scanPatterns(rows *sql.Rows) ([]Pattern, error) {
	var out []Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func embedInput(name, content string) string {
	if content == "" {
		return name
	}
	return name + ": " + content
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func marshalMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(b), nil
}

func mergeMetadata(existingJSON string, updates map[string]string) (string, error) {
	merged := make(map[string]string)
	if existingJSON != "" && existingJSON != "{}" {
		if err := json.Unmarshal([]byte(existingJSON), &merged); err != nil {
			logging.StoreDebug("Discarding unreadable metadata during merge: %v", err)
			merged = make(map[string]string)
		}
	}
	for k, v := range updates {
		merged[k] = v
	}
	return marshalMetadata(merged)
}
