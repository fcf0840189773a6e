// Package ledger implements the idempotency ledger: a keyed store mapping a
// token to the recorded outcome of a side-effecting operation, guaranteeing
// at-most-once effect no matter how many times the operation is retried.
package ledger

import (
	"context"
	"errors"
)

// Result is the recorded outcome of an operation. Value carries the
// serialized success result; Err carries a terminal failure message.
// Exactly one of the two is meaningful, indicated by Failed.
type Result struct {
	Value  []byte `json:"value,omitempty"`
	Failed bool   `json:"failed,omitempty"`
	Err    string `json:"err,omitempty"`
}

// Reservation is the outcome of ReserveOrGet. When New is true the caller
// holds the reservation and must follow up with Record or Release; when
// false, Result carries the previously recorded outcome.
type Reservation struct {
	New    bool
	Result Result
}

// ErrNotReserved is returned by Record when no reservation is held for the
// token; it indicates a protocol violation by the caller.
var ErrNotReserved = errors.New("ledger: token not reserved")

// Ledger is the atomic reserve-then-record contract. Two concurrent
// reservations on the same token must not both win: one gets New, the
// other blocks until the winner records a result and then receives it.
// Once Record succeeds, every subsequent ReserveOrGet for the token returns
// the same result, forever.
type Ledger interface {
	// ReserveOrGet either reserves the token for the caller (New) or
	// returns the recorded result, blocking while a concurrent holder is
	// still executing.
	ReserveOrGet(ctx context.Context, token string) (Reservation, error)

	// Record stores the final result for a held reservation.
	Record(ctx context.Context, token string, result Result) error

	// Release abandons a held reservation after a retryable failure, so a
	// later attempt may re-reserve the token.
	Release(ctx context.Context, token string) error
}
