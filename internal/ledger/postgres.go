package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var _ Ledger = (*PostgresLedger)(nil)

// PostgresLedger is the durable Ledger. A reservation is a row inserted
// with ON CONFLICT DO NOTHING, so the insert itself decides the race; the
// loser polls until the winner's outcome lands or the winner releases.
type PostgresLedger struct {
	db           *sql.DB
	pollInterval time.Duration
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db, pollInterval: 50 * time.Millisecond}
}

func (l *PostgresLedger) ReserveOrGet(ctx context.Context, token string) (Reservation, error) {
	for {
		res, err := l.db.ExecContext(ctx, `
			INSERT INTO idempotency_ledger (token, recorded, reserved_at)
			VALUES ($1, FALSE, NOW())
			ON CONFLICT (token) DO NOTHING
		`, token)
		if err != nil {
			return Reservation{}, fmt.Errorf("reserve token %s: %w", token, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return Reservation{New: true}, nil
		}

		// Token exists. Either recorded (return the outcome) or still held
		// by a concurrent attempt (wait and re-check; a release deletes the
		// row and the next iteration re-reserves it).
		var recorded, failed bool
		var value []byte
		var errMsg sql.NullString
		err = l.db.QueryRowContext(ctx, `
			SELECT recorded, COALESCE(value, ''::bytea), failed, err
			FROM idempotency_ledger
			WHERE token = $1
		`, token).Scan(&recorded, &value, &failed, &errMsg)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			continue
		case err != nil:
			return Reservation{}, fmt.Errorf("read token %s: %w", token, err)
		case recorded:
			return Reservation{Result: Result{Value: value, Failed: failed, Err: errMsg.String}}, nil
		}

		select {
		case <-time.After(l.pollInterval):
		case <-ctx.Done():
			return Reservation{}, ctx.Err()
		}
	}
}

func (l *PostgresLedger) Record(ctx context.Context, token string, result Result) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE idempotency_ledger
		SET recorded = TRUE, value = $2, failed = $3, err = NULLIF($4, ''), recorded_at = NOW()
		WHERE token = $1 AND NOT recorded
	`, token, result.Value, result.Failed, result.Err)
	if err != nil {
		return fmt.Errorf("record token %s: %w", token, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already recorded results stay immutable; a missing row is a
		// protocol violation.
		var recorded bool
		err := l.db.QueryRowContext(ctx,
			`SELECT recorded FROM idempotency_ledger WHERE token = $1`, token).Scan(&recorded)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotReserved
		}
		if err != nil {
			return fmt.Errorf("read token %s: %w", token, err)
		}
	}
	return nil
}

func (l *PostgresLedger) Release(ctx context.Context, token string) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM idempotency_ledger WHERE token = $1 AND NOT recorded`, token)
	if err != nil {
		return fmt.Errorf("release token %s: %w", token, err)
	}
	return nil
}
