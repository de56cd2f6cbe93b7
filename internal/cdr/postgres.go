package cdr

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresSink writes records to a PostgreSQL table for installations
// that keep call history in a shared database. Like the JSONL sink it
// queues internally; inserts run on a single writer goroutine.
type PostgresSink struct {
	db     *sql.DB
	logger *slog.Logger

	queue chan Record
	quit  chan struct{}
	done  chan struct{}

	stopped atomic.Bool
	written atomic.Uint64
	drops   atomic.Uint64
}

// NewPostgresSink opens the connection, runs pending migrations, and
// starts the writer.
func NewPostgresSink(dsn string, logger *slog.Logger) (*PostgresSink, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresSink{
		db:     db,
		logger: logger.With("subsystem", "cdr-postgres"),
		queue:  make(chan Record, sinkQueueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	go s.writeLoop()
	s.logger.Info("postgresql cdr sink opened")
	return s, nil
}

// Append queues one record; overflow is dropped and counted.
func (s *PostgresSink) Append(rec Record) {
	if s.stopped.Load() {
		return
	}
	select {
	case s.queue <- rec:
	default:
		s.drops.Add(1)
	}
}

// Written returns the number of records inserted.
func (s *PostgresSink) Written() uint64 { return s.written.Load() }

// Dropped returns the number of records discarded on queue overflow.
func (s *PostgresSink) Dropped() uint64 { return s.drops.Load() }

// Close drains the queue and releases the connection.
func (s *PostgresSink) Close() error {
	if s.stopped.Swap(true) {
		return nil
	}
	close(s.quit)
	<-s.done

	err := s.db.Close()
	s.logger.Info("postgresql cdr sink closed",
		"written", s.written.Load(),
		"dropped", s.drops.Load(),
	)
	return err
}

func (s *PostgresSink) writeLoop() {
	defer close(s.done)

	for {
		select {
		case rec := <-s.queue:
			s.insert(rec)
		case <-s.quit:
			for {
				select {
				case rec := <-s.queue:
					s.insert(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *PostgresSink) insert(rec Record) {
	_, err := s.db.Exec(
		`INSERT INTO cdr (call_id, from_aor, to_aor, caller_id, disposition,
		 started_at, answered_at, ended_at, duration_sec, hangup_cause, codec,
		 packets_a_to_b, packets_b_to_a, lost_a_to_b, lost_b_to_a, recording_path)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		rec.CallID, rec.FromAOR, rec.ToAOR, rec.CallerID, string(rec.Disposition),
		rec.StartedAt, rec.AnsweredAt, rec.EndedAt, rec.DurationSec, rec.HangupCause,
		rec.Codec, int64(rec.PacketsAToB), int64(rec.PacketsBToA),
		int64(rec.LostAToB), int64(rec.LostBToA), rec.RecordingPath,
	)
	if err != nil {
		s.logger.Error("inserting cdr record", "call_id", rec.CallID, "error", err)
		return
	}
	s.written.Add(1)
}

// migrate runs all pending SQL migration files in order.
func (s *PostgresSink) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		slog.Info("applied migration", "version", version)
	}

	return nil
}
