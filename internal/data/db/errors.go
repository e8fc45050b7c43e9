package db

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// IsConnectivity reports whether err means the database session is gone and
// must be rebuilt from scratch (dropped connection, server shutdown, refused connect).
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	// context.DeadlineExceeded satisfies net.Error; it is a local timeout, not a dead session.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := strings.TrimSpace(pgErr.Code)
		switch {
		case strings.HasPrefix(code, "08"):
			return true // connection_exception class
		case code == "57P01", code == "57P02", code == "57P03":
			return true // admin_shutdown, crash_shutdown, cannot_connect_now
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "conn closed") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "bad connection")
}

// IsTransient reports whether err poisons the current transaction: connectivity
// failures plus serialization, deadlock, lock and snapshot errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	if IsConnectivity(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := strings.TrimSpace(pgErr.Code)
		switch {
		case code == "40001", code == "40P01", code == "55P03":
			return true // serialization/deadlock/lock_not_available
		case code == "25P02":
			return true // in_failed_sql_transaction
		case code == "22023" && strings.Contains(strings.ToLower(pgErr.Message), "snapshot"):
			return true // invalid snapshot identifier
		case strings.HasPrefix(code, "53"):
			return true // insufficient_resources
		}
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// AbortsTx reports whether err was raised by the server inside a statement.
// PostgreSQL marks the enclosing transaction failed after any such error, so
// the session that ran it cannot serve another read.
func AbortsTx(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
