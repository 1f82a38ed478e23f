// Package pgclient wraps the PostgreSQL driver with the small surface the
// probe needs: opening short-lived connections from keyword/value DSNs,
// running ad-hoc queries, and classifying errors so the continuous-writes
// engine can tell a dead primary from an ordinary SQL failure.
package pgclient

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
)

// OpenFunc opens a database handle for the given connection string. The
// writer and action runner take one of these so tests can substitute a mock
// driver.
type OpenFunc func(dsn string) (*sqlx.DB, error)

// Open connects via the pgx stdlib driver and verifies the connection with
// a ping. The DSN's connect_timeout bounds the dial.
func Open(dsn string) (*sqlx.DB, error) {
	return sqlx.Connect("pgx", dsn)
}

// QueryRows executes a single SQL statement and returns every result row as
// a slice of column values. Statements that produce no rows (DDL, INSERT)
// return an empty slice.
func QueryRows(ctx context.Context, db *sqlx.DB, query string) ([][]any, error) {
	rows, err := db.QueryxContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return nil, err
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}

// IsConnectionError reports whether err indicates the server is unreachable
// or refusing work, as opposed to rejecting a particular statement. These are
// the failures the writer treats as a stall: SQLSTATE class 08 (connection
// exceptions), 25006 (read-only transaction, seen mid-failover), dial
// failures, and dropped connections.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "25006"
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// IsTimeout reports whether err came from the per-attempt deadline rather
// than the server.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
