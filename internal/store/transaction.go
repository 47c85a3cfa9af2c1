package store

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
)

const (
	opTransact          = "store.transact"
	reasonContextDone   = "context_done"
	reasonMissingHandle = "missing_database"
	reasonUnitFailed    = "unit_failed"
)

var errMissingDatabase = errors.New("database handle is required")

// retryableMarkers are lower-cased fragments of driver messages for busy or serialization failures.
var retryableMarkers = []string{
	"database is locked",
	"database table is locked",
	"sqlite_busy",
	"sqlite_locked",
	"sqlstate 40001",
	"could not serialize access",
	"serialization failure",
	"deadlock detected",
}

// uniqueMarkers are lower-cased fragments of driver messages for unique index violations.
var uniqueMarkers = []string{
	"unique constraint failed",
	"duplicate key value",
	"sqlstate 23505",
}

// UnitOfWork is the body of a transaction. Returning an error rolls everything back.
type UnitOfWork func(tx *gorm.DB) error

// Transact runs unit inside a single database transaction, committing when it returns nil
// and rolling back when it returns an error or panics.
//
// The context is only consulted before the transaction begins. A started transaction runs to
// completion without observing cancellation, so a caller never leaves a half-applied unit behind.
func Transact(ctx context.Context, db *gorm.DB, unit UnitOfWork) error {
	if db == nil {
		return NewError(opTransact, reasonMissingHandle, KindInternal, errMissingDatabase)
	}
	if err := ctx.Err(); err != nil {
		return NewError(opTransact, reasonContextDone, KindInternal, err)
	}

	err := db.WithContext(context.WithoutCancel(ctx)).Transaction(func(tx *gorm.DB) error {
		return unit(tx)
	})
	if err == nil {
		return nil
	}

	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	return NewError(opTransact, reasonUnitFailed, KindFor(err, KindInternal), err)
}

// KindFor classifies a raw driver error, falling back to the supplied kind.
func KindFor(err error, fallback Kind) Kind {
	switch {
	case err == nil:
		return fallback
	case IsRetryable(err):
		return KindRetryable
	case IsUniqueViolation(err):
		return KindConflict
	case errors.Is(err, gorm.ErrRecordNotFound):
		return KindNotFound
	default:
		return fallback
	}
}

// IsRetryable reports whether err looks like a transient busy or serialization failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRetryable) {
		return true
	}
	return containsAny(strings.ToLower(err.Error()), retryableMarkers)
}

// IsUniqueViolation reports whether err was raised by a unique index.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return containsAny(strings.ToLower(err.Error()), uniqueMarkers)
}

func containsAny(message string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}
