package sqlledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"bracketBot/internal/ports"
)

// Ledger implements ports.Ledger over database/sql. SQLite is the default
// backend; postgres is available for shared deployments.
type Ledger struct {
	db              *sql.DB
	dialect         dialect
	logger          ports.Logger
	startingCapital float64
	now             func() time.Time

	// mu is the single writer section. It is only held around short
	// transactions, never across exchange calls.
	mu sync.Mutex
}

// Config holds configuration for the ledger.
type Config struct {
	Driver          string // sqlite3 (default) or postgres
	DBPath          string // sqlite file path
	DSN             string // postgres connection string
	Logger          ports.Logger
	StartingCapital float64 // equity baseline for snapshots
	Now             func() time.Time
}

// New opens the database, applies pool settings and creates the schema.
func New(cfg Config) (*Ledger, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for the ledger")
	}
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := openDB(cfg, d)
	if err != nil {
		cfg.Logger.Error(context.Background(), err, "Ledger initialization failed")
		return nil, err
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	l := &Ledger{
		db:              db,
		dialect:         d,
		logger:          cfg.Logger,
		startingCapital: cfg.StartingCapital,
		now:             func() time.Time { return now().UTC() },
	}

	if err := l.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize ledger schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "Ledger initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Ledger schema initialized/verified", map[string]interface{}{"driver": d.driver})
	return l, nil
}

func openDB(cfg Config, d dialect) (*sql.DB, error) {
	var dsn string
	switch d.driver {
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres ledger requires a DSN")
		}
		dsn = cfg.DSN
	default:
		dbPath := cfg.DBPath
		if dbPath == "" {
			dbPath = "./data/ledger.db"
		}
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		}
		dsn = dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s ledger: %w", d.driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s ledger: %w", d.driver, err)
	}

	if d.driver == DriverSQLite {
		// One connection keeps sqlite writers from tripping over each other.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(time.Hour)
	cfg.Logger.Info(context.Background(), "Ledger connection established", map[string]interface{}{"driver": d.driver})
	return db, nil
}

func (l *Ledger) initializeSchema(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, l.dialect.schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if l.db != nil {
		l.logger.Info(context.Background(), "Closing ledger connection")
		return l.db.Close()
	}
	return nil
}

func (l *Ledger) q(query string) string {
	return l.dialect.rebind(query)
}

// withTx runs fn inside a write transaction under the writer lock.
func (l *Ledger) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			l.logger.Error(ctx, rbErr, "Ledger rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// wrap classifies err for callers: domain outcomes keep their sentinel, any
// other failure becomes ErrPersistence.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ports.ErrNotFound),
		errors.Is(err, ports.ErrInvalidState),
		errors.Is(err, ports.ErrValidation):
		return fmt.Errorf("%s: %w", op, err)
	case isUniqueViolation(err):
		return fmt.Errorf("%s failed: %w: %w: %w", op, ports.ErrPersistence, ports.ErrDuplicateEntry, err)
	default:
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrPersistence, err)
	}
}

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullFloat(v float64) sql.NullFloat64 {
	if v == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
