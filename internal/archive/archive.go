// Package archive persists finalized chat messages and recording metadata of
// tutoring sessions to PostgreSQL.
//
// Writes from the live session path go through [Store.ArchiveMessage] and
// [Store.ArchiveRecording], which enqueue and return immediately; a single
// writer goroutine drains the queue in order. The synchronous Save methods
// are available for callers that want the error.
//
// Usage:
//
//	store, err := archive.Open(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	mgr := session.NewManager(cfg, session.WithArchiver(store))
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/fretmaster/internal/recorder"
	"github.com/MrWong99/fretmaster/internal/transcript"
)

const (
	// DefaultQueueSize is the number of pending writes buffered before
	// ArchiveMessage starts dropping.
	DefaultQueueSize = 256

	// writeTimeout bounds one queued write.
	writeTimeout = 5 * time.Second
)

// db is the subset of [pgxpool.Pool] the store uses.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

var _ db = (*pgxpool.Pool)(nil)

// job is one queued write.
type job func(ctx context.Context) error

// Option configures a [Store].
type Option func(*Store)

// WithQueueSize sets the capacity of the asynchronous write queue.
func WithQueueSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithOnDropped registers a callback invoked when a queued write is dropped
// because the queue is full or the write failed.
func WithOnDropped(fn func(error)) Option {
	return func(s *Store) { s.onDropped = fn }
}

// Store is a PostgreSQL-backed session archive. All methods are safe for
// concurrent use.
type Store struct {
	db        db
	queueSize int
	onDropped func(error)

	mu     sync.RWMutex
	closed bool
	queue  chan job
	done   chan struct{}
}

// Open connects to the database at dsn, verifies the connection, and runs
// [Migrate].
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return newStore(pool, opts...), nil
}

func newStore(d db, opts ...Option) *Store {
	s := &Store{db: d, queueSize: DefaultQueueSize}
	for _, o := range opts {
		o(s)
	}
	s.queue = make(chan job, s.queueSize)
	s.done = make(chan struct{})
	go s.drain()
	return s
}

// ── Asynchronous writes ──────────────────────────────────────────────────────

// ArchiveMessage enqueues msg for session sessionID. It never blocks; when
// the queue is full the message is dropped and logged.
func (s *Store) ArchiveMessage(sessionID string, msg transcript.Message) {
	s.enqueue("message", func(ctx context.Context) error {
		return s.SaveMessage(ctx, sessionID, msg)
	})
}

// ArchiveRecording enqueues the metadata of rec. It never blocks.
func (s *Store) ArchiveRecording(sessionID string, rec recorder.Recording) {
	s.enqueue("recording", func(ctx context.Context) error {
		return s.SaveRecording(ctx, sessionID, rec)
	})
}

func (s *Store) enqueue(kind string, j job) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- j:
	default:
		err := fmt.Errorf("archive: queue full, dropping %s", kind)
		slog.Warn(err.Error())
		if s.onDropped != nil {
			s.onDropped(err)
		}
	}
}

// drain runs queued writes in order until the queue is closed.
func (s *Store) drain() {
	defer close(s.done)
	for j := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := j(ctx)
		cancel()
		if err != nil {
			slog.Warn("archive: write failed", "err", err)
			if s.onDropped != nil {
				s.onDropped(err)
			}
		}
	}
}

// ── Synchronous writes ───────────────────────────────────────────────────────

// SaveMessage inserts one chat message.
func (s *Store) SaveMessage(ctx context.Context, sessionID string, msg transcript.Message) error {
	const q = `
		INSERT INTO chat_messages (session_id, role, text, timestamp)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.db.Exec(ctx, q, sessionID, string(msg.Role), msg.Text, msg.Timestamp); err != nil {
		return fmt.Errorf("archive: save message: %w", err)
	}
	return nil
}

// SaveRecording upserts the metadata of one local recording. The audio
// itself stays in memory with the recorder.
func (s *Store) SaveRecording(ctx context.Context, sessionID string, rec recorder.Recording) error {
	const q = `
		INSERT INTO recordings (id, session_id, recorded_at, duration_ns, sample_rate, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
		    session_id  = EXCLUDED.session_id,
		    recorded_at = EXCLUDED.recorded_at,
		    duration_ns = EXCLUDED.duration_ns,
		    sample_rate = EXCLUDED.sample_rate,
		    size_bytes  = EXCLUDED.size_bytes`

	_, err := s.db.Exec(ctx, q,
		rec.ID,
		sessionID,
		rec.Timestamp,
		rec.Duration.Nanoseconds(),
		rec.SampleRate,
		rec.Size,
	)
	if err != nil {
		return fmt.Errorf("archive: save recording: %w", err)
	}
	return nil
}

// ── Reads ────────────────────────────────────────────────────────────────────

// Messages returns the archived chat log of sessionID in chronological order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]transcript.Message, error) {
	const q = `
		SELECT role, text, timestamp
		FROM   chat_messages
		WHERE  session_id = $1
		ORDER  BY timestamp, id`

	rows, err := s.db.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Message, error) {
		var (
			m    transcript.Message
			role string
		)
		if err := row.Scan(&role, &m.Text, &m.Timestamp); err != nil {
			return m, err
		}
		m.Role = transcript.Role(role)
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: messages: %w", err)
	}
	return msgs, nil
}

// Sessions returns the ids of archived sessions, most recent first.
func (s *Store) Sessions(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT session_id
		FROM   chat_messages
		GROUP  BY session_id
		ORDER  BY max(timestamp) DESC
		LIMIT  $1`

	rows, err := s.db.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: sessions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("archive: sessions: %w", err)
	}
	return ids, nil
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("archive: ping: %w", err)
	}
	return nil
}

// Close flushes queued writes and releases the pool. It is idempotent.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	s.db.Close()
}
