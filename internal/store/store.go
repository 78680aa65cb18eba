package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/signalops/order-execution-engine/internal/order"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var ErrStaleWrite = errors.New("store: order changed since it was read")

const postgresSchema = `
CREATE TABLE IF NOT EXISTS orders (
	order_id        TEXT PRIMARY KEY,
	token_in        TEXT NOT NULL,
	token_out       TEXT NOT NULL,
	amount_in       NUMERIC(38, 18) NOT NULL,
	status          TEXT NOT NULL,
	selected_venue  TEXT,
	tx_hash         TEXT,
	execution_price NUMERIC(38, 18),
	failure_reason  TEXT,
	created_at      BIGINT NOT NULL,
	updated_at      BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_created_at_idx ON orders (created_at DESC);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS orders (
	order_id        TEXT PRIMARY KEY,
	token_in        TEXT NOT NULL,
	token_out       TEXT NOT NULL,
	amount_in       TEXT NOT NULL,
	status          TEXT NOT NULL,
	selected_venue  TEXT,
	tx_hash         TEXT,
	execution_price TEXT,
	failure_reason  TEXT,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_created_at_idx ON orders (created_at DESC);
`

const orderColumns = `order_id, token_in, token_out, amount_in, status, selected_venue,
	tx_hash, execution_price, failure_reason, created_at, updated_at`

// OrderStore persists order records in Postgres or SQLite.
type OrderStore struct {
	db     *sql.DB
	driver string
}

// Open connects and tunes the pool. SQLite is kept to one connection so an
// in-memory database is shared by every caller.
func Open(ctx context.Context, driver, dsn string) (*OrderStore, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
	if dsn == "" {
		return nil, fmt.Errorf("store: DATABASE_URL not set")
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}

	return &OrderStore{db: db, driver: driver}, nil
}

// Migrate creates the orders table if it does not exist.
func (s *OrderStore) Migrate(ctx context.Context) error {
	schema := postgresSchema
	if s.driver == DriverSQLite {
		schema = sqliteSchema
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (s *OrderStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *OrderStore) Close() error {
	return s.db.Close()
}

// Create inserts a new order record.
func (s *OrderStore) Create(ctx context.Context, o *order.Order) error {
	query := s.rebind(`INSERT INTO orders (` + orderColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		o.ID,
		o.TokenIn,
		o.TokenOut,
		o.AmountIn.String(),
		string(o.Status),
		nullString(o.SelectedVenue),
		nullString(o.TxHash),
		nullDecimal(o.ExecutionPrice),
		nullString(o.FailureReason),
		o.CreatedAt.UnixMilli(),
		o.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: create order %s: %w", o.ID, err)
	}
	return nil
}

// Get loads one order.
func (s *OrderStore) Get(ctx context.Context, id string) (*order.Order, error) {
	query := s.rebind(`SELECT ` + orderColumns + ` FROM orders WHERE order_id = ?`)
	o, err := scanOrder(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get order %s: %w", id, err)
	}
	return o, nil
}

// Update writes the mutable fields of o if the stored status still equals
// from. The compare-and-set keeps the record single-writer per attempt.
func (s *OrderStore) Update(ctx context.Context, o *order.Order, from order.Status) error {
	query := s.rebind(`UPDATE orders
		SET status = ?, selected_venue = ?, tx_hash = ?, execution_price = ?,
		    failure_reason = ?, updated_at = ?
		WHERE order_id = ? AND status = ?`)

	res, err := s.db.ExecContext(ctx, query,
		string(o.Status),
		nullString(o.SelectedVenue),
		nullString(o.TxHash),
		nullDecimal(o.ExecutionPrice),
		nullString(o.FailureReason),
		o.UpdatedAt.UnixMilli(),
		o.ID,
		string(from),
	)
	if err != nil {
		return fmt.Errorf("store: update order %s: %w", o.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update order %s: %w", o.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("store: update order %s from %s: %w", o.ID, from, ErrStaleWrite)
	}
	return nil
}

// List returns the most recent orders first.
func (s *OrderStore) List(ctx context.Context, limit int) ([]*order.Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := s.rebind(`SELECT ` + orderColumns + ` FROM orders ORDER BY created_at DESC LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]*order.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list orders: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*order.Order, error) {
	var (
		o                     order.Order
		status                string
		amountIn              decimal.Decimal
		venue, txHash, reason sql.NullString
		execPrice             decimal.NullDecimal
		createdAt, updatedAt  int64
	)
	if err := row.Scan(&o.ID, &o.TokenIn, &o.TokenOut, &amountIn, &status, &venue,
		&txHash, &execPrice, &reason, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	o.AmountIn = amountIn
	o.Status = order.Status(status)
	o.SelectedVenue = venue.String
	o.TxHash = txHash.String
	o.ExecutionPrice = execPrice
	o.FailureReason = reason.String
	o.CreatedAt = time.UnixMilli(createdAt).UTC()
	o.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &o, nil
}

// rebind turns ? placeholders into $n for Postgres.
func (s *OrderStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullDecimal(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}
