package persistence

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halvorsen/tokenbroker/internal/model"
)

// PaymentRepo persists model.Payment, the Telegram Payments top-up flow's
// record of what was purchased; BalanceOperation.RelatedPayment resolves here.
type PaymentRepo struct {
	pool *pgxpool.Pool
}

// CreatePayment inserts a pending payment row, called when a pre-checkout
// query is accepted, before Telegram confirms the charge succeeded.
func (r *PaymentRepo) CreatePayment(ctx context.Context, p model.Payment) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO payments (id, user_id, provider_payment_id, amount_usd, currency, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.UserID, p.ProviderPaymentID, p.AmountUSD, p.Currency, p.Status, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("persistence: create payment: %w", err)
	}
	return nil
}

// MarkPaymentSucceeded flips a payment to succeeded once Telegram's
// successful_payment update arrives.
func (r *PaymentRepo) MarkPaymentSucceeded(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE payments SET status = $1 WHERE id = $2`, model.PaymentSucceeded, id)
	if err != nil {
		return fmt.Errorf("persistence: mark payment succeeded: %w", err)
	}
	return nil
}

// GetPaymentByProviderID looks up a payment by Telegram's payment charge ID,
// used to make the successful-payment handler idempotent against retried updates.
func (r *PaymentRepo) GetPaymentByProviderID(ctx context.Context, providerPaymentID string) (model.Payment, bool, error) {
	var p model.Payment
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, provider_payment_id, amount_usd, currency, status, created_at
		 FROM payments WHERE provider_payment_id = $1`, providerPaymentID,
	).Scan(&p.ID, &p.UserID, &p.ProviderPaymentID, &p.AmountUSD, &p.Currency, &p.Status, &p.CreatedAt)
	if err == pgx.ErrNoRows {
		return model.Payment{}, false, nil
	}
	if err != nil {
		return model.Payment{}, false, fmt.Errorf("persistence: get payment by provider id: %w", err)
	}
	return p, true, nil
}
