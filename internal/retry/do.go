package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/glenn-edgar/kb-coordinator/internal/domain"
	"github.com/glenn-edgar/kb-coordinator/internal/kbstore"
	"github.com/glenn-edgar/kb-coordinator/internal/observability"
)

// Outcome classifies the result of a single attempt.
type Outcome int

const (
	// Success ends the loop and returns the attempt's value.
	Success Outcome = iota
	// Transient retries the attempt, subject to the policy's MaxRetries.
	Transient
	// Fatal ends the loop immediately and returns the attempt's error
	// unwrapped, bypassing the remaining retry budget.
	Fatal
)

// AttemptFunc performs one try and classifies its own result. Implementations
// typically call kbstore.Classify on a returned error to pick Transient vs
// Fatal.
type AttemptFunc[T any] func(ctx context.Context) (T, Outcome, error)

// Do drives fn through policy's backoff curve until it succeeds, fails
// fatally, the context is cancelled, or the retry budget is exhausted. The
// curve itself is one of the three BackOff implementations in backoff.go;
// this function's only job is to hand that curve to backoff.RetryNotify so
// the library — not a hand-rolled loop — owns the looping, notify, and
// context-cancellation semantics. On exhaustion the returned error wraps
// domain.ErrRetriesExhausted together with the last underlying error.
func Do[T any](ctx context.Context, policy Policy, fn AttemptFunc[T]) (T, error) {
	var zero, result T
	start := time.Now()
	log := observability.LoggerFromContext(ctx)
	fatal := false

	retries := policy.MaxRetries - 1
	if retries < 0 {
		retries = 0
	}
	curve := backoff.WithMaxRetries(newBackOff(policy.Kind, policy.BaseDelay), uint64(retries))
	b := backoff.WithContext(curve, ctx)

	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, kbstore.DBTimeout)
		defer cancel()

		val, outcome, err := fn(attemptCtx)
		switch outcome {
		case Success:
			result = val
			return nil
		case Fatal:
			fatal = true
			observeOperation(policy, "fatal", start)
			log.Error("attempt failed fatally", componentAttrs(ctx, policy, err)...)
			return backoff.Permanent(err)
		default:
			return err
		}
	}

	notify := func(err error, d time.Duration) {
		observeRetry(policy)
		log.Warn("retrying after transient failure",
			append(componentAttrs(ctx, policy, err), slog.Duration("backoff", d))...)
	}

	err := backoff.RetryNotify(op, b, notify)
	switch {
	case err == nil:
		observeOperation(policy, "ok", start)
		return result, nil
	case fatal, ctx.Err() != nil:
		return zero, err
	default:
		observeExhausted(policy)
		observeOperation(policy, "exhausted", start)
		log.Error("retries exhausted", componentAttrs(ctx, policy, err)...)
		return zero, fmt.Errorf("op=retry.Do: %w: %w", domain.ErrRetriesExhausted, err)
	}
}

func componentAttrs(ctx context.Context, policy Policy, err error) []any {
	return []any{
		slog.String("component", policy.Component),
		slog.String("operation", policy.Operation),
		slog.String("request_id", observability.RequestIDFromContext(ctx)),
		slog.Any("error", err),
	}
}

func backoffKindLabel(k BackoffKind) string {
	switch k {
	case BackoffJobAcquire:
		return "job_acquire"
	case BackoffSerializable:
		return "serializable"
	default:
		return "linear"
	}
}

func observeRetry(policy Policy) {
	if policy.Component == "" {
		return
	}
	observability.ObserveRetry(policy.Component, policy.Operation, backoffKindLabel(policy.Kind))
}

func observeExhausted(policy Policy) {
	if policy.Component == "" {
		return
	}
	observability.ObserveRetriesExhausted(policy.Component, policy.Operation)
}

func observeOperation(policy Policy, outcome string, start time.Time) {
	if policy.Component == "" {
		return
	}
	observability.ObserveOperation(policy.Component, policy.Operation, outcome, time.Since(start).Seconds())
}
