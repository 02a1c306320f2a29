package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorClass is the three-way classification the processor's retry
// discipline depends on: only Transient errors are retried.
type ErrorClass string

const (
	ClassTransient ErrorClass = "transient"
	ClassFatal     ErrorClass = "fatal"
	ClassLogical   ErrorClass = "logical"
)

// transientCodes are SQLSTATE codes for connection loss, deadlocks,
// serialization failures, and resource exhaustion.
var transientCodes = map[string]bool{
	"08000": true, // connection_exception
	"08003": true, // connection_does_not_exist
	"08006": true, // connection_failure
	"08001": true, // sqlclient_unable_to_establish_sqlconnection
	"08004": true, // sqlserver_rejected_establishment_of_sqlconnection
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"53300": true, // too_many_connections
	"53400": true, // configuration_limit_exceeded
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
}

// fatalCodes are SQLSTATE codes for errors that will not be fixed by
// retrying: bad credentials, missing schema objects, malformed SQL.
var fatalCodes = map[string]bool{
	"28000": true, // invalid_authorization_specification
	"28P01": true, // invalid_password
	"3D000": true, // invalid_catalog_name (database missing)
	"42P01": true, // undefined_table
	"42601": true, // syntax_error
	"42501": true, // insufficient_privilege
	"42883": true, // undefined_function
}

// logicalCodes are SQLSTATE codes for constraint violations: correct SQL,
// correct credentials, but data that violates a declared rule.
var logicalCodes = map[string]bool{
	"23502": true, // not_null_violation
	"23503": true, // foreign_key_violation
	"23505": true, // unique_violation
	"23514": true, // check_violation
	"23P01": true, // exclusion_violation
}

// Classify buckets a driver error into transient/fatal/logical per §4.B.
// Context deadline/cancellation and connection-pool exhaustion (which pgx
// reports without a SQLSTATE) are treated as transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassTransient
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case transientCodes[pgErr.Code]:
			return ClassTransient
		case fatalCodes[pgErr.Code]:
			return ClassFatal
		case logicalCodes[pgErr.Code]:
			return ClassLogical
		default:
			return ClassFatal
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}

	if errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrNotConnected) || errors.Is(err, ErrQueryTimeout) {
		return ClassTransient
	}

	// Unrecognized driver errors (e.g. pgxpool.Acquire context errors,
	// DNS failures resolving the host) default to transient: we would
	// rather retry a handful of times than surface a spurious hard
	// failure for a blip we don't have a code for.
	return ClassTransient
}

// IsTransient reports whether Classify(err) == ClassTransient, the
// predicate the shared resilience.Policy uses to decide whether to retry.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// RetryClassifier adapts Classify to resilience.Classifier so database
// operations can be wrapped in resilience.Do/DoValue.
type RetryClassifier struct{}

func (RetryClassifier) Retryable(err error) bool {
	return IsTransient(err)
}
