package kbstore

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Outcome classifies a store-layer error for the retry harness.
type Outcome int

const (
	// OutcomeOK means the call succeeded; err is nil.
	OutcomeOK Outcome = iota
	// OutcomeTransient means the call failed for a reason retrying the same
	// operation can plausibly resolve: a lock held by another session, or a
	// serializable/deadlock abort chosen as the loser.
	OutcomeTransient
	// OutcomeFatal means the call failed for a reason retrying will not fix:
	// bad input, a constraint violation, a connection that is simply gone.
	OutcomeFatal
)

// SQLSTATE codes this module treats as transient. Postgres uses 55P03 for
// "lock not available" (FOR UPDATE NOWAIT contention), 40001 for a
// serializable transaction chosen as the abort victim, and 40P01 for a
// detected deadlock.
const (
	sqlstateLockNotAvailable   = "55P03"
	sqlstateSerializationFail  = "40001"
	sqlstateDeadlockDetected   = "40P01"
)

// Classify inspects err and reports whether the caller should retry.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateLockNotAvailable, sqlstateSerializationFail, sqlstateDeadlockDetected:
			return OutcomeTransient
		}
	}
	return OutcomeFatal
}

// IsTransient is a convenience wrapper around Classify for callers that only
// need the boolean.
func IsTransient(err error) bool {
	return Classify(err) == OutcomeTransient
}
