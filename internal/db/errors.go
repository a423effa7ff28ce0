package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"smartplan/internal/models"
)

// PostgreSQL SQLSTATE codes for errors a later attempt may not hit.
const (
	sqlstateDeadlockDetected    = "40P01"
	sqlstateSerializationFailed = "40001"
	sqlstateInternalError       = "XX000"
	sqlstateStatementTimeout    = "57014"

	// classes
	sqlstateConnectionException   = "08"
	sqlstateInsufficientResources = "53"
	sqlstateOperatorIntervention  = "57"
	sqlstateIntegrityViolation    = "23"

	sqlstateInvalidTextRepresentation = "22P02"
)

// transientCode reports whether a SQLSTATE describes a transient server condition.
func transientCode(code string) bool {
	switch code {
	case sqlstateDeadlockDetected, sqlstateSerializationFailed,
		sqlstateInternalError, sqlstateStatementTimeout:
		return true
	}
	switch {
	case strings.HasPrefix(code, sqlstateConnectionException),
		strings.HasPrefix(code, sqlstateInsufficientResources),
		strings.HasPrefix(code, sqlstateOperatorIntervention):
		return true
	}
	return false
}

// classify wraps a driver error with the sentinel the rest of the service tests for.
// Server errors with a non-transient SQLSTATE are returned wrapped but unclassified.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var scanErr pgx.ScanArgError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, models.ErrValidation), errors.As(err, &scanErr):
		return fmt.Errorf("%s: %w", op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case transientCode(pgErr.Code):
			return fmt.Errorf("%w: %s: %v (SQLSTATE %s)", models.ErrTransientStorage, op, pgErr.Message, pgErr.Code)
		case strings.HasPrefix(pgErr.Code, sqlstateIntegrityViolation):
			return fmt.Errorf("%w: %s: %s", models.ErrValidation, op, pgErr.Message)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	// No server answer at all: connection refused, reset or pool closed.
	return fmt.Errorf("%w: %s: %v", models.ErrTransientStorage, op, err)
}

// notFound maps a missing row to sentinel and classifies everything else. An id that
// is not a UUID cannot name a row either.
func notFound(op string, err error, sentinel error, what string) error {
	var pgErr *pgconn.PgError
	if errors.Is(err, pgx.ErrNoRows) || (errors.As(err, &pgErr) && pgErr.Code == sqlstateInvalidTextRepresentation) {
		return fmt.Errorf("%w: %s", sentinel, what)
	}
	return classify(op, err)
}
