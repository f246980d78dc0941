package storage

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

// Common storage errors
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")

	// ErrStateConflict means a conditional update found the row in another state
	ErrStateConflict = errors.New("record state changed")

	// ErrAggregationConflict means a write lost the race for the database lock.
	// It is transient and safe to retry.
	ErrAggregationConflict = errors.New("aggregation conflict")
)

// isBusy reports whether err is SQLite lock contention
func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
