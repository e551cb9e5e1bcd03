package remote

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/matheus3301/chatsync/internal/syncerr"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeCheckViolation      = "23514"
	codeRaiseException      = "P0001"

	idempotencyConstraint = "messages_idempotency_key"
)

// classifyWrite maps a write error to the syncerr taxonomy. A unique
// violation on the idempotency key means an earlier attempt was stored; any
// other unique violation is a different message reusing the same id.
func classifyWrite(err error, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			if pgErr.ConstraintName == idempotencyConstraint {
				return &syncerr.ConflictError{Key: key}
			}
			return syncerr.Reject("message id already used")
		case codeRaiseException:
			return syncerr.Reject(pgErr.Message)
		case codeForeignKeyViolation:
			return syncerr.Reject(syncerr.ReasonNotMember)
		case codeCheckViolation:
			return syncerr.Reject(syncerr.ReasonInvalid)
		}
	}
	return syncerr.Transient(err)
}

// classifyRead wraps read errors as transient unless they are cancellations.
func classifyRead(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return syncerr.Transient(err)
}
