package storage

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/rl1809/meal-dispatch/internal/port"
)

// Dialect is also the database/sql driver name.
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "pgx"
)

func ParseDialect(driver string) (Dialect, error) {
	switch Dialect(driver) {
	case DialectMySQL, DialectPostgres:
		return Dialect(driver), nil
	}
	return "", fmt.Errorf("unsupported database driver %q", driver)
}

// rebind rewrites '?' placeholders into the dialect's form.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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

const (
	mysqlDeadlock     = 1213
	mysqlLockWait     = 1205
	mysqlDuplicateKey = 1062
)

// classify turns engine-specific concurrency failures into port.ErrConflict.
func (d Dialect) classify(err error) error {
	if err == nil || errors.Is(err, port.ErrConflict) {
		return err
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlDeadlock, mysqlLockWait, mysqlDuplicateKey:
			return fmt.Errorf("%w: %w", port.ErrConflict, err)
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%w: %w", port.ErrConflict, err)
		}
	}

	return err
}

func (d Dialect) schema() []string {
	if d == DialectPostgres {
		return postgresSchema
	}
	return mysqlSchema
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS service_areas (
		name VARCHAR(128) PRIMARY KEY,
		version INT NOT NULL,
		created_at DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS published_menus (
		id VARCHAR(64) PRIMARY KEY,
		menu_date VARCHAR(10) NOT NULL,
		meal_type VARCHAR(32) NOT NULL,
		items TEXT NOT NULL,
		remaining TEXT NOT NULL,
		is_archived BOOLEAN NOT NULL DEFAULT FALSE,
		orders_stopped BOOLEAN NOT NULL DEFAULT FALSE,
		version INT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		stopped_at DATETIME(6) NULL,
		archived_at DATETIME(6) NULL
	)`,
	`CREATE TABLE IF NOT EXISTS area_assignments (
		area VARCHAR(128) PRIMARY KEY,
		agent_ids TEXT NOT NULL,
		last_index INT NOT NULL,
		version INT NOT NULL,
		updated_at DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS delivery_agents (
		id VARCHAR(32) PRIMARY KEY,
		name VARCHAR(128) NOT NULL,
		active BOOLEAN NOT NULL,
		version INT NOT NULL,
		created_at DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id VARCHAR(64) PRIMARY KEY,
		status VARCHAR(16) NOT NULL,
		undelivered_reason TEXT NOT NULL,
		menu_id VARCHAR(64) NOT NULL,
		published_date VARCHAR(10) NOT NULL,
		meal_type VARCHAR(32) NOT NULL,
		customer_name VARCHAR(128) NOT NULL,
		phone VARCHAR(32) NOT NULL,
		address_line1 VARCHAR(255) NOT NULL,
		street VARCHAR(255) NOT NULL,
		delivery_type VARCHAR(16) NOT NULL,
		address VARCHAR(512) NOT NULL,
		area VARCHAR(128) NOT NULL,
		lat DOUBLE NULL,
		lng DOUBLE NULL,
		location_label VARCHAR(255) NOT NULL,
		items TEXT NOT NULL,
		total DECIMAL(12,2) NOT NULL,
		assigned_agent_id VARCHAR(32) NOT NULL,
		assigned_agent_name VARCHAR(128) NOT NULL,
		version INT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		closed_at DATETIME(6) NULL,
		undelivered_at DATETIME(6) NULL,
		INDEX idx_orders_area_created (area, created_at),
		INDEX idx_orders_agent (assigned_agent_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sweep_checkpoints (
		area VARCHAR(128) PRIMARY KEY,
		roster_key VARCHAR(64) NOT NULL,
		cursor_index INT NOT NULL,
		last_order_id VARCHAR(64) NOT NULL,
		last_created_at DATETIME(6) NOT NULL,
		processed INT NOT NULL,
		started_at DATETIME(6) NOT NULL,
		version INT NOT NULL
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS service_areas (
		name VARCHAR(128) PRIMARY KEY,
		version INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS published_menus (
		id VARCHAR(64) PRIMARY KEY,
		menu_date VARCHAR(10) NOT NULL,
		meal_type VARCHAR(32) NOT NULL,
		items TEXT NOT NULL,
		remaining TEXT NOT NULL,
		is_archived BOOLEAN NOT NULL DEFAULT FALSE,
		orders_stopped BOOLEAN NOT NULL DEFAULT FALSE,
		version INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		stopped_at TIMESTAMPTZ NULL,
		archived_at TIMESTAMPTZ NULL
	)`,
	`CREATE TABLE IF NOT EXISTS area_assignments (
		area VARCHAR(128) PRIMARY KEY,
		agent_ids TEXT NOT NULL,
		last_index INT NOT NULL,
		version INT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS delivery_agents (
		id VARCHAR(32) PRIMARY KEY,
		name VARCHAR(128) NOT NULL,
		active BOOLEAN NOT NULL,
		version INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id VARCHAR(64) PRIMARY KEY,
		status VARCHAR(16) NOT NULL,
		undelivered_reason TEXT NOT NULL,
		menu_id VARCHAR(64) NOT NULL,
		published_date VARCHAR(10) NOT NULL,
		meal_type VARCHAR(32) NOT NULL,
		customer_name VARCHAR(128) NOT NULL,
		phone VARCHAR(32) NOT NULL,
		address_line1 VARCHAR(255) NOT NULL,
		street VARCHAR(255) NOT NULL,
		delivery_type VARCHAR(16) NOT NULL,
		address VARCHAR(512) NOT NULL,
		area VARCHAR(128) NOT NULL,
		lat DOUBLE PRECISION NULL,
		lng DOUBLE PRECISION NULL,
		location_label VARCHAR(255) NOT NULL,
		items TEXT NOT NULL,
		total NUMERIC(12,2) NOT NULL,
		assigned_agent_id VARCHAR(32) NOT NULL,
		assigned_agent_name VARCHAR(128) NOT NULL,
		version INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ NULL,
		undelivered_at TIMESTAMPTZ NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_area_created ON orders (area, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_agent ON orders (assigned_agent_id)`,
	`CREATE TABLE IF NOT EXISTS sweep_checkpoints (
		area VARCHAR(128) PRIMARY KEY,
		roster_key VARCHAR(64) NOT NULL,
		cursor_index INT NOT NULL,
		last_order_id VARCHAR(64) NOT NULL,
		last_created_at TIMESTAMPTZ NOT NULL,
		processed INT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		version INT NOT NULL
	)`,
}
