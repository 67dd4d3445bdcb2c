package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halvorsen/tokenbroker/internal/model"
)

// UserRepo persists model.User and the append-only balance ledger. It
// satisfies balance.UserStore and balance.Charger so the policy package can
// depend on it directly without importing this package.
type UserRepo struct {
	pool *pgxpool.Pool
}

// GetUser returns (user, true, nil) if found, (zero, false, nil) if not, and
// a non-nil error only on an actual database failure — the distinction the
// cache-first balance policy's fail-open rule depends on.
func (r *UserRepo) GetUser(ctx context.Context, userID int64) (model.User, bool, error) {
	var u model.User
	err := r.pool.QueryRow(ctx,
		`SELECT id, username, balance_usd, privileged, created_at FROM users WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.Username, &u.Balance, &u.Privileged, &u.CreatedAt)
	if err == pgx.ErrNoRows {
		return model.User{}, false, nil
	}
	if err != nil {
		return model.User{}, false, fmt.Errorf("persistence: get user: %w", err)
	}
	return u, true, nil
}

// EnsureUser inserts a new user row with a zero balance if one doesn't
// already exist, returning the (possibly pre-existing) user.
func (r *UserRepo) EnsureUser(ctx context.Context, userID int64, username string) (model.User, error) {
	var u model.User
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (id, username, balance_usd, privileged, created_at)
		 VALUES ($1, $2, 0, FALSE, now())
		 ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username
		 RETURNING id, username, balance_usd, privileged, created_at`,
		userID, username,
	).Scan(&u.ID, &u.Username, &u.Balance, &u.Privileged, &u.CreatedAt)
	if err != nil {
		return model.User{}, fmt.Errorf("persistence: ensure user: %w", err)
	}
	return u, nil
}

// SetPrivileged flips a user's balance-exempt flag.
func (r *UserRepo) SetPrivileged(ctx context.Context, userID int64, privileged bool) error {
	_, err := r.pool.Exec(ctx, `UPDATE users SET privileged = $1 WHERE id = $2`, privileged, userID)
	if err != nil {
		return fmt.Errorf("persistence: set privileged: %w", err)
	}
	return nil
}

// ChargeUser atomically applies a balance delta and appends a ledger entry,
// satisfying balance.Charger. amountUSD is the amount to deduct (positive) or
// credit (negative, e.g. a top-up recorded via a payment). balance_before is
// read under FOR UPDATE and balance_after is captured from the same UPDATE's
// RETURNING clause, so the ledger's signed delta (BalanceAfter - BalanceBefore)
// always satisfies the invariant by construction regardless of the caller's
// sign convention.
func (r *UserRepo) ChargeUser(ctx context.Context, userID int64, kind model.BalanceOperationKind, amountUSD float64, description string, relatedPayment *uuid.UUID) (model.BalanceOperation, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.BalanceOperation{}, fmt.Errorf("persistence: charge user: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var before float64
	if err := tx.QueryRow(ctx,
		`SELECT balance_usd FROM users WHERE id = $1 FOR UPDATE`,
		userID,
	).Scan(&before); err != nil {
		return model.BalanceOperation{}, fmt.Errorf("persistence: charge user: lock balance: %w", err)
	}

	var after float64
	if err := tx.QueryRow(ctx,
		`UPDATE users SET balance_usd = balance_usd - $1 WHERE id = $2 RETURNING balance_usd`,
		amountUSD, userID,
	).Scan(&after); err != nil {
		return model.BalanceOperation{}, fmt.Errorf("persistence: charge user: update balance: %w", err)
	}

	op := model.BalanceOperation{
		ID:             uuid.New(),
		UserID:         userID,
		Kind:           kind,
		AmountUSD:      after - before,
		BalanceBefore:  before,
		BalanceAfter:   after,
		Description:    description,
		RelatedPayment: relatedPayment,
		CreatedAt:      time.Now(),
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO balance_operations (id, user_id, kind, amount_usd, balance_before, balance_after, description, related_payment, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		op.ID, op.UserID, op.Kind, op.AmountUSD, op.BalanceBefore, op.BalanceAfter, op.Description, op.RelatedPayment, op.CreatedAt,
	); err != nil {
		return model.BalanceOperation{}, fmt.Errorf("persistence: charge user: insert ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.BalanceOperation{}, fmt.Errorf("persistence: charge user: commit: %w", err)
	}
	return op, nil
}

// ListBalanceOperations returns a user's ledger, most recent first.
func (r *UserRepo) ListBalanceOperations(ctx context.Context, userID int64, limit int) ([]model.BalanceOperation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, kind, amount_usd, balance_before, balance_after, description, related_payment, created_at
		 FROM balance_operations WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("persistence: list balance operations: %w", err)
	}
	defer rows.Close()

	var ops []model.BalanceOperation
	for rows.Next() {
		var op model.BalanceOperation
		if err := rows.Scan(&op.ID, &op.UserID, &op.Kind, &op.AmountUSD, &op.BalanceBefore, &op.BalanceAfter, &op.Description, &op.RelatedPayment, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("persistence: scan balance operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
