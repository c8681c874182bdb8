package sqlstore

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// MySQL / Dolt error numbers that mean "try the transaction again".
const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
	mysqlUnknown         = 1105 // Dolt reports commit conflicts as ER_UNKNOWN_ERROR
)

// PostgreSQL SQLSTATE codes that mean "try the transaction again".
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

// isMySQLConflict reports whether err is a transient MySQL/Dolt conflict.
func isMySQLConflict(err error) bool {
	if err == nil {
		return false
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case mysqlDeadlock, mysqlLockWaitTimeout:
			return true
		case mysqlUnknown:
			return isConflictMessage(me.Message)
		}
		return false
	}
	return isConflictMessage(err.Error())
}

func isConflictMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "serialization failure") ||
		strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "lock wait timeout") ||
		strings.Contains(msg, "try restarting transaction")
}

// isPostgresConflict reports whether err is a transient PostgreSQL conflict.
func isPostgresConflict(err error) bool {
	var pe *pgconn.PgError
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return true
	}
	return false
}

func isPostgresLockTimeout(err error) bool {
	var pe *pgconn.PgError
	return errors.As(err, &pe) && pe.Code == pgLockNotAvailable
}
