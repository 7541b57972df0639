// Package capture records relayed frames and recognized events in PostgreSQL.
package capture

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/udisondev/habproxy/internal/capture/migrations"
	"github.com/udisondev/habproxy/internal/protocol"
	"github.com/udisondev/habproxy/internal/triggers"
)

// Frame is one relayed frame as captured.
type Frame struct {
	Session    string
	Direction  protocol.Direction
	Step       int
	Header     uint16
	Length     int
	Body       []byte
	Blocked    bool
	Replaced   bool
	CapturedAt time.Time
}

// Event is one recognized event as captured.
type Event struct {
	Session    string
	Kind       triggers.Kind
	Header     uint16
	Value      *int32
	CapturedAt time.Time
}

// Store persists captured records.
type Store interface {
	SaveFrames(ctx context.Context, frames []Frame) error
	SaveEvents(ctx context.Context, events []Event) error
}

// PostgresStore is a Store backed by a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Open connects to PostgreSQL and returns a store.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Migrate applies the embedded capture schema to the database at dsn.
func Migrate(ctx context.Context, dsn string) error {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening sql connection for migrations: %w", err)
	}
	defer sqlDB.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

var frameColumns = []string{
	"session", "direction", "step", "header", "length",
	"body", "blocked", "replaced", "captured_at",
}

// frameRows converts frames to COPY rows in frameColumns order.
func frameRows(frames []Frame) [][]any {
	rows := make([][]any, 0, len(frames))
	for _, f := range frames {
		body := f.Body
		if body == nil {
			body = []byte{}
		}
		rows = append(rows, []any{
			f.Session, int16(f.Direction), int32(f.Step), int32(f.Header), int32(f.Length),
			body, f.Blocked, f.Replaced, f.CapturedAt,
		})
	}
	return rows
}

// SaveFrames writes frames in one COPY.
func (s *PostgresStore) SaveFrames(ctx context.Context, frames []Frame) error {
	if len(frames) == 0 {
		return nil
	}
	n, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"frames"},
		frameColumns,
		pgx.CopyFromRows(frameRows(frames)),
	)
	if err != nil {
		return fmt.Errorf("inserting %d frames: %w", len(frames), err)
	}

	slog.Debug("saved captured frames", "count", n)
	return nil
}

// SaveEvents writes events and updates the last known header of each kind.
func (s *PostgresStore) SaveEvents(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning event transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(
			`INSERT INTO events (session, kind, header, value, captured_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			e.Session, e.Kind.String(), int32(e.Header), e.Value, e.CapturedAt,
		)
		batch.Queue(
			`INSERT INTO event_headers (kind, header, updated_at)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (kind) DO UPDATE SET header = $2, updated_at = $3`,
			e.Kind.String(), int32(e.Header), e.CapturedAt,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for range batch.Len() {
		if _, err := br.Exec(); err != nil {
			br.Close() //nolint:errcheck
			return fmt.Errorf("saving event batch: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("closing event batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing events: %w", err)
	}
	return nil
}

// LoadHeaders returns the last header recorded for every event kind.
// Unknown kinds in the table are skipped.
func (s *PostgresStore) LoadHeaders(ctx context.Context) (map[triggers.Kind]uint16, error) {
	rows, err := s.pool.Query(ctx, `SELECT kind, header FROM event_headers`)
	if err != nil {
		return nil, fmt.Errorf("querying event headers: %w", err)
	}
	defer rows.Close()

	out := make(map[triggers.Kind]uint16)
	for rows.Next() {
		var (
			name   string
			header int32
		)
		if err := rows.Scan(&name, &header); err != nil {
			return nil, fmt.Errorf("scanning event header: %w", err)
		}
		kind, ok := triggers.ParseKind(name)
		if !ok {
			slog.Warn("unknown event kind in capture store", "kind", name)
			continue
		}
		out[kind] = uint16(header)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event headers: %w", err)
	}
	return out, nil
}

// CountFrames returns the number of frames captured for session.
func (s *PostgresStore) CountFrames(ctx context.Context, session string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM frames WHERE session = $1`, session).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting frames of session %q: %w", session, err)
	}
	return n, nil
}

// LastFrame returns the most recent frame of session in direction dir.
func (s *PostgresStore) LastFrame(ctx context.Context, session string, dir protocol.Direction) (*Frame, error) {
	f := Frame{Session: session, Direction: dir}
	var (
		step, header, length int32
	)
	err := s.pool.QueryRow(ctx,
		`SELECT step, header, length, body, blocked, replaced, captured_at
		 FROM frames WHERE session = $1 AND direction = $2
		 ORDER BY step DESC LIMIT 1`,
		session, int16(dir),
	).Scan(&step, &header, &length, &f.Body, &f.Blocked, &f.Replaced, &f.CapturedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying last frame of session %q: %w", session, err)
	}
	f.Step, f.Header, f.Length = int(step), uint16(header), int(length)
	return &f, nil
}
