package sqlledger

import (
	"errors"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// dialect isolates the few differences between the supported drivers.
type dialect struct {
	driver string
	schema string
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverSQLite, "":
		return dialect{driver: DriverSQLite, schema: buildSchema("INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP")}, nil
	case DriverPostgres:
		return dialect{driver: DriverPostgres, schema: buildSchema("BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ")}, nil
	default:
		return dialect{}, errors.New("unsupported ledger driver " + strconv.Quote(driver))
	}
}

// rebind rewrites ? placeholders into $n for postgres.
func (d dialect) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// isUniqueViolation reports whether err is a unique constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func buildSchema(pk, ts string) string {
	r := strings.NewReplacer("{{PK}}", pk, "{{TS}}", ts)
	return r.Replace(`
	CREATE TABLE IF NOT EXISTS trades (
		id {{PK}},
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		avg_price DOUBLE PRECISION NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		spent_notional DOUBLE PRECISION NOT NULL,
		take_profit_pct DOUBLE PRECISION NOT NULL,
		stop_loss_pct DOUBLE PRECISION NOT NULL,
		tp_price DOUBLE PRECISION NOT NULL,
		sl_stop_price DOUBLE PRECISION NOT NULL,
		sl_limit_price DOUBLE PRECISION NOT NULL,
		tp_order_ref BIGINT NULL,
		sl_order_ref BIGINT NULL,
		status TEXT NOT NULL,
		created_at {{TS}} NOT NULL,
		closed_at {{TS}} NULL,
		close_price DOUBLE PRECISION NULL,
		realized_pnl DOUBLE PRECISION NULL,
		CHECK ((status IN ('OPEN', 'OPEN_SL_TP')) = (closed_at IS NULL)),
		CHECK ((closed_at IS NULL) = (realized_pnl IS NULL))
	);

	CREATE TABLE IF NOT EXISTS orders (
		id {{PK}},
		trade_id BIGINT NULL REFERENCES trades (id),
		exchange_order_id BIGINT NOT NULL UNIQUE,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		type TEXT NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		price DOUBLE PRECISION NULL,
		stop_price DOUBLE PRECISION NULL,
		status TEXT NOT NULL,
		created_at {{TS}} NOT NULL,
		executed_at {{TS}} NULL
	);

	CREATE TABLE IF NOT EXISTS pnl_snapshots (
		id {{PK}},
		timestamp {{TS}} NOT NULL,
		pnl DOUBLE PRECISION NOT NULL,
		equity DOUBLE PRECISION NOT NULL,
		drawdown DOUBLE PRECISION NOT NULL,
		daily_pnl DOUBLE PRECISION NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id {{PK}},
		timestamp {{TS}} NOT NULL,
		level TEXT NOT NULL,
		module TEXT NOT NULL,
		message TEXT NOT NULL,
		data TEXT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at {{TS}} NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trades_status ON trades (status);
	CREATE INDEX IF NOT EXISTS idx_trades_created_at ON trades (created_at);
	CREATE INDEX IF NOT EXISTS idx_orders_trade_id ON orders (trade_id);
	CREATE INDEX IF NOT EXISTS idx_pnl_snapshots_timestamp ON pnl_snapshots (timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events (timestamp);
	`)
}
