// Package bus implements the durable priority message bus that connects the
// perception, cognition and action loops. Messages are broadcast: every
// subscription on a queue sees every message, and acknowledgements are
// tracked per subscriber. Delivery is at-least-once; a message stays visible
// to a subscriber until that subscriber acknowledges it.
package bus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"flywheel/internal/logging"
	"flywheel/internal/types"
)

// ErrUnavailable is returned by every operation on a closed or broken bus.
// Loops treat it as fatal and shut down rather than run detached from the
// pipeline.
var ErrUnavailable = errors.New("message bus unavailable")

const defaultPollInterval = 200 * time.Millisecond

// schemaDDL defines the SQLite schema for the bus database.
// Execute against a SQLite database with: db.Exec(schemaDDL)
const schemaDDL = `
-- Durable message log, one row per published message
CREATE TABLE IF NOT EXISTS messages (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    queue TEXT NOT NULL,
    type TEXT NOT NULL,
    payload TEXT,
    priority INTEGER NOT NULL DEFAULT 10,
    correlation_id TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_queue ON messages(queue, priority DESC, seq ASC);
CREATE INDEX IF NOT EXISTS idx_messages_correlation ON messages(correlation_id);

-- Per-subscriber acknowledgements; broadcast fan-out is derived from these
CREATE TABLE IF NOT EXISTS acks (
    message_id TEXT NOT NULL,
    subscriber TEXT NOT NULL,
    acked_at TEXT NOT NULL,
    PRIMARY KEY (message_id, subscriber)
);
CREATE INDEX IF NOT EXISTS idx_acks_subscriber ON acks(subscriber);
`

// Bus is a durable priority message bus backed by SQLite.
type Bus struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	closed bool

	pollInterval time.Duration

	// In-process wakeups so subscribers don't busy-poll. The poll ticker
	// remains as fallback for messages published by other processes.
	notifyMu sync.Mutex
	waiters  map[string]map[chan struct{}]struct{}
}

// Open initializes the bus database at the given path. A pollInterval of
// zero uses the default.
func Open(path string, pollInterval time.Duration) (*Bus, error) {
	timer := logging.StartTimer(logging.CategoryBus, "Open")
	defer timer.Stop()

	logging.Bus("Opening message bus at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create bus directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bus database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.BusDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.BusDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.BusDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize bus schema: %w", err)
	}

	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	b := &Bus{
		db:           db,
		dbPath:       path,
		pollInterval: pollInterval,
		waiters:      make(map[string]map[chan struct{}]struct{}),
	}
	logging.BusDebug("Bus schema ready, poll interval %v", pollInterval)
	return b, nil
}

// Close closes the bus. Blocked subscribers are woken and receive
// ErrUnavailable.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	// Wake everything so blocked Next calls observe the closed flag.
	b.notifyMu.Lock()
	for _, chans := range b.waiters {
		for ch := range chans {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
	b.notifyMu.Unlock()

	logging.Bus("Message bus closed")
	return b.db.Close()
}

// Publish durably stores a message and returns it with ID, Seq and
// CreatedAt assigned. The row is committed before Publish returns, so a
// subsequent ByCorrelation sees it even if the process dies immediately
// after.
func (b *Bus) Publish(ctx context.Context, msg Message) (Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return Message{}, ErrUnavailable
	}

	if msg.Queue == "" {
		return Message{}, fmt.Errorf("message has no queue")
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("message has no type")
	}
	msg.ensureID()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	res, err := b.db.ExecContext(ctx,
		`INSERT INTO messages (id, queue, type, payload, priority, correlation_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Queue, msg.Type, string(msg.Payload), int(msg.Priority),
		msg.CorrelationID, msg.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Message{}, fmt.Errorf("%w: publish failed: %v", ErrUnavailable, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("%w: publish failed: %v", ErrUnavailable, err)
	}
	msg.Seq = seq

	logging.BusDebug("Published %s to %s (priority=%s corr=%s seq=%d)",
		msg.Type, msg.Queue, msg.Priority, msg.CorrelationID, msg.Seq)

	b.notify(msg.Queue)
	return msg, nil
}

// Ack marks a message acknowledged by a subscriber. Acking twice is a no-op,
// as is acking an unknown message id.
func (b *Bus) Ack(ctx context.Context, messageID, subscriber string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrUnavailable
	}

	_, err := b.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO acks (message_id, subscriber, acked_at) VALUES (?, ?, ?)`,
		messageID, subscriber, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: ack failed: %v", ErrUnavailable, err)
	}
	return nil
}

// PendingCount reports how many messages on a queue a subscriber has not
// yet acknowledged.
func (b *Bus) PendingCount(ctx context.Context, queue, subscriber string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, ErrUnavailable
	}

	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages m
		 WHERE m.queue = ?
		   AND NOT EXISTS (SELECT 1 FROM acks a WHERE a.message_id = m.id AND a.subscriber = ?)`,
		queue, subscriber).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: pending count failed: %v", ErrUnavailable, err)
	}
	return n, nil
}

// ByCorrelation returns every message sharing a correlation id, oldest
// first. The action loop uses this to reassemble a task graph from
// individually published tasks.
func (b *Bus) ByCorrelation(ctx context.Context, correlationID string) ([]Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrUnavailable
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT seq, id, queue, type, payload, priority, correlation_id, created_at
		 FROM messages WHERE correlation_id = ? ORDER BY seq ASC`,
		correlationID)
	if err != nil {
		return nil, fmt.Errorf("%w: correlation query failed: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// QueueStats summarizes one queue for status surfaces.
type QueueStats struct {
	Queue    string `json:"queue"`
	Messages int64  `json:"messages"`
	Acked    int64  `json:"acked"` // messages with at least one ack
}

// Stats reports per-queue message counts, ordered by queue name.
func (b *Bus) Stats(ctx context.Context) ([]QueueStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrUnavailable
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT m.queue,
		        COUNT(*),
		        SUM(CASE WHEN EXISTS (SELECT 1 FROM acks a WHERE a.message_id = m.id) THEN 1 ELSE 0 END)
		 FROM messages m GROUP BY m.queue ORDER BY m.queue`)
	if err != nil {
		return nil, fmt.Errorf("%w: stats query failed: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var stats []QueueStats
	for rows.Next() {
		var s QueueStats
		if err := rows.Scan(&s.Queue, &s.Messages, &s.Acked); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Purge removes messages older than the cutoff that have been acknowledged
// by at least one subscriber, along with their acks. Messages nobody has
// consumed are kept regardless of age. Returns the number of messages
// removed.
func (b *Bus) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrUnavailable
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)

	res, err := b.db.ExecContext(ctx,
		`DELETE FROM messages
		 WHERE created_at < ?
		   AND EXISTS (SELECT 1 FROM acks a WHERE a.message_id = messages.id)`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: purge failed: %v", ErrUnavailable, err)
	}
	removed, _ := res.RowsAffected()

	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM acks WHERE message_id NOT IN (SELECT id FROM messages)`); err != nil {
		return removed, fmt.Errorf("failed to clean orphan acks: %w", err)
	}

	if removed > 0 {
		logging.Bus("Purged %d acknowledged messages older than %v", removed, olderThan)
	}
	return removed, nil
}

// notify wakes in-process waiters on a queue.
func (b *Bus) notify(queue string) {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()
	for ch := range b.waiters[queue] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (b *Bus) addWaiter(queue string, ch chan struct{}) {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()
	if b.waiters[queue] == nil {
		b.waiters[queue] = make(map[chan struct{}]struct{})
	}
	b.waiters[queue][ch] = struct{}{}
}

func (b *Bus) removeWaiter(queue string, ch chan struct{}) {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()
	delete(b.waiters[queue], ch)
}

func (b *Bus) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// scanMessages reads message rows in query column order.
func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m         Message
		payload   sql.NullString
		corr      sql.NullString
		priority  int
		createdAt string
	)
	if err := row.Scan(&m.Seq, &m.ID, &m.Queue, &m.Type, &payload, &priority, &corr, &createdAt); err != nil {
		return Message{}, fmt.Errorf("failed to scan message: %w", err)
	}
	if payload.Valid && payload.String != "" {
		m.Payload = []byte(payload.String)
	}
	m.CorrelationID = corr.String
	m.Priority = types.Priority(priority)
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		m.CreatedAt = ts
	}
	return m, nil
}
