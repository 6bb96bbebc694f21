package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/whisper/livechat/internal/protocol"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres keeps the full message log in PostgreSQL and serves the most recent
// messages from it.
type Postgres struct {
	db    *sql.DB
	room  string
	limit int
}

// NewPostgres connects to dsn, applies pending migrations and returns a
// history for room.
func NewPostgres(ctx context.Context, dsn, room string, limit int) (*Postgres, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if err := Migrate(dsn); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: postgres connection failed: %w", err)
	}
	return &Postgres{db: db, room: room, limit: limit}, nil
}

// Migrate applies the embedded schema migrations to the database at dsn.
func Migrate(dsn string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("history: load migrations: %w", err)
	}

	// The migrate driver closes the *sql.DB it wraps, so it gets its own.
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("history: open postgres: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return fmt.Errorf("history: migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		db.Close()
		return fmt.Errorf("history: migrate: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("history: migrate up: %w", err)
	}
	version, dirty, _ := m.Version()
	log.Printf("[history] schema at version %d (dirty=%v)", version, dirty)
	return nil
}

// Append inserts msg and returns the resulting history.
func (p *Postgres) Append(ctx context.Context, msg protocol.Message) ([]protocol.Message, error) {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO messages (room, author, text) VALUES ($1, $2, $3)`,
		p.room, msg.Author, msg.Text)
	if err != nil {
		return nil, fmt.Errorf("history: insert message: %w", err)
	}
	return p.All(ctx)
}

// All returns the most recent messages, oldest first.
func (p *Postgres) All(ctx context.Context) ([]protocol.Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT author, text FROM (
			SELECT id, author, text FROM messages
			WHERE room = $1
			ORDER BY id DESC
			LIMIT $2
		) recent ORDER BY id ASC`, p.room, p.limit)
	if err != nil {
		return nil, fmt.Errorf("history: query messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]protocol.Message, 0, p.limit)
	for rows.Next() {
		var msg protocol.Message
		if err := rows.Scan(&msg.Author, &msg.Text); err != nil {
			return nil, fmt.Errorf("history: scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: read messages: %w", err)
	}
	return msgs, nil
}

// Close closes the database pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}
