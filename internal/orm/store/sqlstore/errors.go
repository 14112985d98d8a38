package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/conduit-lang/detach/internal/orm/store"
)

// ConvertDBError converts driver errors to the store sentinels
func ConvertDBError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}

	// PostgreSQL through pgx
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if mapped := fromSQLState(pgErr.Code, pgErr.Detail, pgErr.ColumnName); mapped != nil {
			return mapped
		}
	}

	// PostgreSQL through lib/pq
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if mapped := fromSQLState(string(pqErr.Code), pqErr.Detail, pqErr.Column); mapped != nil {
			return mapped
		}
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %s", store.ErrUniqueViolation, liteErr.Error())
		case sqlite3.ErrConstraintForeignKey:
			return fmt.Errorf("%w: %s", store.ErrForeignKeyViolation, liteErr.Error())
		case sqlite3.ErrConstraintNotNull:
			return fmt.Errorf("%w: %s", store.ErrNotNullViolation, liteErr.Error())
		}
		if liteErr.Code == sqlite3.ErrConstraint && strings.Contains(liteErr.Error(), "UNIQUE") {
			return fmt.Errorf("%w: %s", store.ErrUniqueViolation, liteErr.Error())
		}
	}

	return err
}

func fromSQLState(code, detail, column string) error {
	switch code {
	case "23505": // unique_violation
		return fmt.Errorf("%w: %s", store.ErrUniqueViolation, detail)
	case "23503": // foreign_key_violation
		return fmt.Errorf("%w: %s", store.ErrForeignKeyViolation, detail)
	case "23502": // not_null_violation
		return fmt.Errorf("%w: column %s", store.ErrNotNullViolation, column)
	}
	return nil
}

// IsRetryable reports deadlocks, serialization failures and busy sqlite
// databases, which succeed when the transaction is run again
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40P01" || pgErr.Code == "40001"
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40P01" || pqErr.Code == "40001"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"deadlock detected", "could not serialize access", "database is locked"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
