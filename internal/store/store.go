package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// New opens (and migrates) the database at dbPath. ":memory:" gives a
// private in-memory database limited to a single connection.
func New(dbPath string) (*Store, error) {
	dsn := dbPath
	memory := dbPath == ":memory:"
	if !memory {
		dsn = "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'learner',
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		difficulty TEXT NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL,
		options TEXT NOT NULL DEFAULT '[]',
		acceptable_answers TEXT NOT NULL DEFAULT '[]',
		rubric TEXT NOT NULL DEFAULT '',
		requires_response BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS roadmaps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS lessons (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		roadmap_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (roadmap_id) REFERENCES roadmaps(id)
	);

	CREATE TABLE IF NOT EXISTS lesson_progress (
		learner_id INTEGER NOT NULL,
		lesson_id INTEGER NOT NULL,
		completed_at DATETIME NOT NULL,
		PRIMARY KEY (learner_id, lesson_id),
		FOREIGN KEY (learner_id) REFERENCES users(id),
		FOREIGN KEY (lesson_id) REFERENCES lessons(id)
	);

	CREATE TABLE IF NOT EXISTS mastery_records (
		learner_id INTEGER NOT NULL,
		item_id INTEGER NOT NULL,
		level INTEGER NOT NULL DEFAULT 0 CHECK (level BETWEEN 0 AND 100),
		repetitions INTEGER NOT NULL DEFAULT 0,
		streak INTEGER NOT NULL DEFAULT 0,
		last_reviewed_at DATETIME,
		last_attempt_id TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (learner_id, item_id),
		FOREIGN KEY (learner_id) REFERENCES users(id),
		FOREIGN KEY (item_id) REFERENCES items(id)
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		learner_id INTEGER NOT NULL,
		item_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		correct BOOLEAN NOT NULL,
		score REAL NOT NULL,
		timed_out BOOLEAN NOT NULL DEFAULT 0,
		elapsed_ms INTEGER NOT NULL DEFAULT 0,
		at DATETIME NOT NULL,
		FOREIGN KEY (learner_id) REFERENCES users(id),
		FOREIGN KEY (item_id) REFERENCES items(id)
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_learner ON attempts(learner_id, at);

	CREATE TABLE IF NOT EXISTS daily_goals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		learner_id INTEGER NOT NULL,
		date TEXT NOT NULL,
		type TEXT NOT NULL,
		target REAL NOT NULL,
		current REAL NOT NULL DEFAULT 0,
		unit TEXT NOT NULL,
		completed BOOLEAN NOT NULL DEFAULT 0,
		UNIQUE (learner_id, date, type),
		FOREIGN KEY (learner_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		imported_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS app_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// WithinTx runs fn inside a SQL transaction. The transaction is rolled back
// when fn returns an error.
func (s *Store) WithinTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&sqlTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

// isUniqueViolation reports whether err comes from a UNIQUE or PRIMARY KEY
// constraint.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
