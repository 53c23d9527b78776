package store

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/podup/podup/pkg/log"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DbInitStatus records how the pool came up. Read by /health.
type DbInitStatus struct {
	OK       bool   `json:"ok"`
	Fallback bool   `json:"fallback"`
	Path     string `json:"path,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Store owns all durable state behind a single sqlite pool
type Store struct {
	db     *sqlx.DB
	status DbInitStatus
}

// Open parses the DB URL, prepares the backing file if needed, opens the
// pool and runs migrations. On any failure it falls back to an
// in-memory instance (still migrated) and records the error in the init
// status so /health can surface the degradation.
func Open(dbURL string) *Store {
	logger := log.WithComponent("store")

	s, err := open(dbURL)
	if err == nil {
		return s
	}

	logger.Warn().Err(err).Str("db_url", dbURL).Msg("falling back to in-memory database")
	mem, memErr := open("sqlite::memory:")
	if memErr != nil {
		// sqlite refusing :memory: means the driver itself is broken;
		// surface a store whose status says so and whose db is nil.
		return &Store{status: DbInitStatus{Error: memErr.Error()}}
	}
	mem.status = DbInitStatus{OK: true, Fallback: true, Error: err.Error()}
	return mem
}

func open(dbURL string) (*Store, error) {
	dsn, path, err := parseURL(dbURL)
	if err != nil {
		return nil, err
	}

	if path != "" {
		if err := prepareFile(path); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// sqlite allows one writer; a single pooled conn avoids SQLITE_BUSY
	// churn between the handler goroutines and the audit drain.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, status: DbInitStatus{OK: true, Path: path}}, nil
}

func parseURL(dbURL string) (dsn, path string, err error) {
	switch {
	case dbURL == "" || dbURL == "sqlite::memory:" || dbURL == ":memory:":
		return "file::memory:?cache=shared&_busy_timeout=5000", "", nil
	case strings.HasPrefix(dbURL, "sqlite:"):
		p := strings.TrimPrefix(dbURL, "sqlite:")
		if p == "" {
			return "", "", fmt.Errorf("empty sqlite path in %q", dbURL)
		}
		return "file:" + p + "?_busy_timeout=5000&_journal_mode=WAL", p, nil
	case !strings.Contains(dbURL, ":"):
		// bare path
		return "file:" + dbURL + "?_busy_timeout=5000&_journal_mode=WAL", dbURL, nil
	default:
		return "", "", fmt.Errorf("unsupported database URL scheme in %q", dbURL)
	}
}

func prepareFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("creating database file: %w", err)
	}
	return f.Close()
}

func migrate(db *sqlx.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting migration dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// InitStatus returns how the pool came up
func (s *Store) InitStatus() DbInitStatus {
	return s.status
}

// Ready reports whether the store can serve queries
func (s *Store) Ready() bool {
	return s.db != nil
}

// DB exposes the pool to sibling packages (rate limiter, locks)
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close closes the pool
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Time columns are stored as unix milliseconds.

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func toMillisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromMillisPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}
