// Package activity executes single side-effecting steps on behalf of
// workflows, applying a retry policy and consulting the idempotency ledger
// so that a step's effect happens at most once no matter how many times it
// is attempted.
package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/CodeWizarz/FUZE/internal/backoff"
	"github.com/CodeWizarz/FUZE/internal/domain"
	"github.com/CodeWizarz/FUZE/internal/ledger"
)

var tracer = otel.Tracer("activity/executor")

// RetryPolicy controls how an activity is retried. MaxAttempts zero means
// retry without ceiling, appropriate only for idempotent operations where
// the ledger guarantees repeated attempts are harmless. Whether unbounded
// retry is acceptable for a given activity is a configuration decision, not
// one this package makes.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     backoff.Strategy
	Retryable   func(error) bool
}

// DefaultPolicy retries transient errors up to maxAttempts with the default
// backoff schedule.
func DefaultPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: maxAttempts, Backoff: backoff.Default(), Retryable: domain.IsTransient}
}

// Activity is one invocation request. Token is optional; when set, the
// executor routes the invocation through the idempotency ledger. OrderID
// scopes the attempt events written to the audit log.
type Activity struct {
	Name    string
	OrderID string
	Token   string
	Policy  RetryPolicy
	Fn      func(ctx context.Context) ([]byte, error)
}

// EventRecorder appends audit events. Satisfied by orders.EventRepository.
type EventRecorder interface {
	Append(ctx context.Context, orderID string, kind domain.EventKind, payload map[string]any) error
}

// ErrRetriesExhausted wraps the last error after the retry ceiling.
var ErrRetriesExhausted = errors.New("activity: retries exhausted")

// Executor runs activities. Retries of one logical invocation are strictly
// sequential; concurrency exists only across separate invocations.
type Executor struct {
	ledger ledger.Ledger
	events EventRecorder
	logger *slog.Logger
}

func NewExecutor(led ledger.Ledger, events EventRecorder, logger *slog.Logger) *Executor {
	return &Executor{ledger: led, events: events, logger: logger}
}

// Run executes the activity until terminal success, terminal failure, or an
// exhausted retry ceiling. With a token, a previously recorded outcome
// short-circuits without re-executing the side effect; otherwise the
// executor reserves the token, executes, and records the outcome.
func (e *Executor) Run(ctx context.Context, act Activity) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "activity "+act.Name,
		trace.WithAttributes(
			attribute.String("activity.name", act.Name),
			attribute.String("order.id", act.OrderID),
		),
	)
	defer span.End()

	out, err := e.run(ctx, act)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (e *Executor) run(ctx context.Context, act Activity) ([]byte, error) {
	retryable := act.Policy.Retryable
	if retryable == nil {
		retryable = domain.IsTransient
	}
	delay := act.Policy.Backoff
	if delay == nil {
		delay = backoff.Default()
	}

	for attempt := 1; ; attempt++ {
		out, err := e.attempt(ctx, act)
		e.recordAttempt(ctx, act, attempt, err)

		if err == nil {
			return out, nil
		}
		if !retryable(err) {
			e.logger.Warn("activity failed terminally",
				"activity", act.Name, "order_id", act.OrderID, "attempt", attempt, "error", err)
			return nil, err
		}
		if act.Policy.MaxAttempts > 0 && attempt >= act.Policy.MaxAttempts {
			e.logger.Error("activity retries exhausted",
				"activity", act.Name, "order_id", act.OrderID, "attempts", attempt, "error", err)
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
		}

		wait := delay.Delay(attempt)
		e.logger.Info("retrying activity",
			"activity", act.Name, "order_id", act.OrderID, "attempt", attempt, "backoff", wait.String())

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// attempt is one physical execution, routed through the ledger when a
// token is present.
func (e *Executor) attempt(ctx context.Context, act Activity) ([]byte, error) {
	if act.Token == "" {
		return act.Fn(ctx)
	}

	res, err := e.ledger.ReserveOrGet(ctx, act.Token)
	if err != nil {
		return nil, domain.Transient(err)
	}
	if !res.New {
		e.logger.Info("idempotency hit, returning recorded result",
			"activity", act.Name, "token", act.Token)
		if res.Result.Failed {
			return nil, &domain.TerminalError{Reason: res.Result.Err}
		}
		return res.Result.Value, nil
	}

	out, execErr := act.Fn(ctx)
	switch {
	case execErr == nil:
		if recErr := e.recordOutcome(ctx, act, ledger.Result{Value: out}); recErr != nil {
			return nil, recErr
		}
		return out, nil
	case domain.IsTerminal(execErr):
		// Terminal outcomes are recorded so every retry with this token
		// observes the same decision.
		if recErr := e.recordOutcome(ctx, act, ledger.Result{Failed: true, Err: terminalReason(execErr)}); recErr != nil {
			return nil, recErr
		}
		return nil, execErr
	default:
		// Transient: give the token back so the next attempt re-executes.
		if relErr := e.ledger.Release(ctx, act.Token); relErr != nil {
			return nil, domain.Transient(relErr)
		}
		return nil, execErr
	}
}

// recordOutcome persists the outcome under the token, retrying until the
// write lands or the context ends. The side effect has already happened at
// this point; returning the store error to the retry loop would leave the
// reservation held and wedge every later attempt on it, and releasing the
// token instead would re-execute a possibly non-idempotent effect.
func (e *Executor) recordOutcome(ctx context.Context, act Activity, res ledger.Result) error {
	delay := act.Policy.Backoff
	if delay == nil {
		delay = backoff.Default()
	}

	for attempt := 1; ; attempt++ {
		err := e.ledger.Record(ctx, act.Token, res)
		if err == nil {
			return nil
		}
		e.logger.Warn("failed to record activity outcome, retrying",
			"activity", act.Name, "token", act.Token, "attempt", attempt, "error", err)

		select {
		case <-time.After(delay.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// terminalReason extracts the stable reason string from a terminal error,
// so a recorded failure replays with the reason the first attempt
// surfaced rather than the full error text.
func terminalReason(err error) string {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return "validation"
	}
	var te *domain.TerminalError
	if errors.As(err, &te) {
		return te.Reason
	}
	return err.Error()
}

// recordAttempt writes an audit event for the attempt. Best-effort: an
// unavailable event log must not fail the activity itself.
func (e *Executor) recordAttempt(ctx context.Context, act Activity, attempt int, attemptErr error) {
	if e.events == nil || act.OrderID == "" {
		return
	}
	payload := map[string]any{
		"activity": act.Name,
		"attempt":  attempt,
		"outcome":  "success",
	}
	if attemptErr != nil {
		payload["outcome"] = "failure"
		payload["error"] = attemptErr.Error()
	}
	if err := e.events.Append(ctx, act.OrderID, domain.EventActivityAttempt, payload); err != nil {
		e.logger.Warn("failed to record activity attempt event",
			"activity", act.Name, "order_id", act.OrderID, "error", err)
	}
}
