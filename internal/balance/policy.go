// Package balance implements the balance policy (C9): cache-first balance
// checks with a DB fallback and the fail-open-on-cache-miss rule, plus the
// per-turn cost tracker that accumulates usage and charges once at the end.
//
// Grounded directly on original_source/bot/services/balance_policy.py and
// bot/core/cost_tracker.py.
package balance

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/halvorsen/tokenbroker/internal/cache"
	"github.com/halvorsen/tokenbroker/internal/model"
)

// DefaultMinimumBalanceForRequest is overridden by the MINIMUM_BALANCE_FOR_REQUEST env var.
const DefaultMinimumBalanceForRequest = 0.0

// Source describes where a balance figure came from, echoing the Python
// result's "source" field for observability.
type Source string

const (
	SourceCache          Source = "cache"
	SourceDatabase       Source = "database"
	SourceUnknownFailOpen Source = "unknown"
	SourceNewUser        Source = "new_user"
	SourcePrivileged     Source = "privileged"
)

// CheckResult is the outcome of a balance check.
type CheckResult struct {
	Allowed bool
	Balance float64
	Source  Source
	Reason  string
}

// UserStore is the minimal persistence dependency balance checks need.
type UserStore interface {
	GetUser(ctx context.Context, userID int64) (model.User, bool, error)
}

// Policy implements can_make_request / can_use_paid_tool cache-first,
// fail-open-on-miss balance checks.
type Policy struct {
	cache                  *cache.Client
	store                  UserStore
	logger                 *slog.Logger
	minBalanceForRequest   float64
	minBalanceForTools     float64
}

// NewPolicy creates a Policy. minBalanceForRequest/minBalanceForTools default
// to DefaultMinimumBalanceForRequest and 0 respectively when <= 0 is passed.
func NewPolicy(c *cache.Client, store UserStore, minBalanceForRequest, minBalanceForTools float64, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{
		cache:                c,
		store:                store,
		logger:               logger,
		minBalanceForRequest: minBalanceForRequest,
		minBalanceForTools:   minBalanceForTools,
	}
}

type cachedUser struct {
	Balance    float64 `json:"balance"`
	Privileged bool    `json:"privileged"`
}

func (p *Policy) cachedBalance(ctx context.Context, userID int64) (cachedUser, bool, error) {
	raw, found, err := p.cache.Get(ctx, cache.UserKey(userID))
	if err != nil {
		return cachedUser{}, false, err
	}
	if !found {
		return cachedUser{}, false, nil
	}
	var cu cachedUser
	if err := json.Unmarshal([]byte(raw), &cu); err != nil {
		return cachedUser{}, false, nil
	}
	return cu, true, nil
}

// CanMakeRequest implements the strict "balance > min" check for starting a
// new request. hasSession indicates whether a DB session is available for
// fallback; without one, a cache miss fails open per spec.
func (p *Policy) CanMakeRequest(ctx context.Context, userID int64, hasSession bool) (CheckResult, error) {
	cu, found, err := p.cachedBalance(ctx, userID)
	if err != nil && !errors.Is(err, cache.ErrCircuitOpen) {
		return CheckResult{}, err
	}
	if found {
		if cu.Privileged {
			return CheckResult{Allowed: true, Balance: cu.Balance, Source: SourcePrivileged}, nil
		}
		allowed := cu.Balance > p.minBalanceForRequest
		return CheckResult{Allowed: allowed, Balance: cu.Balance, Source: SourceCache}, nil
	}

	if !hasSession {
		p.logger.Debug("balance: cache miss, no session — failing open", "user_id", userID)
		return CheckResult{Allowed: true, Source: SourceUnknownFailOpen, Reason: "cache miss, no session - fail open"}, nil
	}

	user, ok, err := p.store.GetUser(ctx, userID)
	if err != nil {
		return CheckResult{}, err
	}
	if !ok {
		return CheckResult{Allowed: true, Source: SourceNewUser}, nil
	}
	if user.Privileged {
		return CheckResult{Allowed: true, Balance: user.Balance, Source: SourcePrivileged}, nil
	}
	allowed := user.Balance > p.minBalanceForRequest
	return CheckResult{Allowed: allowed, Balance: user.Balance, Source: SourceDatabase}, nil
}

// CanUsePaidTool implements the looser ">= 0" check used before dispatching a
// paid tool mid-turn.
func (p *Policy) CanUsePaidTool(ctx context.Context, userID int64, hasSession bool) (CheckResult, error) {
	cu, found, err := p.cachedBalance(ctx, userID)
	if err != nil && !errors.Is(err, cache.ErrCircuitOpen) {
		return CheckResult{}, err
	}
	if found {
		if cu.Privileged {
			return CheckResult{Allowed: true, Balance: cu.Balance, Source: SourcePrivileged}, nil
		}
		allowed := cu.Balance >= p.minBalanceForTools
		return CheckResult{Allowed: allowed, Balance: cu.Balance, Source: SourceCache}, nil
	}

	if !hasSession {
		return CheckResult{Allowed: true, Source: SourceUnknownFailOpen, Reason: "cache miss, no session - fail open"}, nil
	}

	user, ok, err := p.store.GetUser(ctx, userID)
	if err != nil {
		return CheckResult{}, err
	}
	if !ok {
		return CheckResult{Allowed: true, Source: SourceNewUser}, nil
	}
	if user.Privileged {
		return CheckResult{Allowed: true, Balance: user.Balance, Source: SourcePrivileged}, nil
	}
	allowed := user.Balance >= p.minBalanceForTools
	return CheckResult{Allowed: allowed, Balance: user.Balance, Source: SourceDatabase}, nil
}

// GetBalance returns the best-effort current balance, cache-first.
func (p *Policy) GetBalance(ctx context.Context, userID int64) (float64, Source, error) {
	cu, found, err := p.cachedBalance(ctx, userID)
	if err == nil && found {
		return cu.Balance, SourceCache, nil
	}
	user, ok, err := p.store.GetUser(ctx, userID)
	if err != nil {
		return 0, "", err
	}
	if !ok {
		return 0, SourceNewUser, nil
	}
	return user.Balance, SourceDatabase, nil
}

// Charger persists a balance charge as a ledger operation and decrements the
// user's stored balance, atomically from the caller's perspective.
type Charger interface {
	ChargeUser(ctx context.Context, userID int64, kind model.BalanceOperationKind, amountUSD float64, description string, relatedPayment *uuid.UUID) (model.BalanceOperation, error)
}

// ChargeUser records a ledger charge and invalidates the cached balance so
// the next check reads the fresh value from the database.
func (p *Policy) ChargeUser(ctx context.Context, charger Charger, userID int64, kind model.BalanceOperationKind, amountUSD float64, description string) (model.BalanceOperation, error) {
	op, err := charger.ChargeUser(ctx, userID, kind, amountUSD, description, nil)
	if err != nil {
		return model.BalanceOperation{}, err
	}
	if err := p.cache.Delete(ctx, cache.UserKey(userID)); err != nil && !errors.Is(err, cache.ErrCircuitOpen) {
		p.logger.Warn("balance: failed to invalidate cached balance after charge", "user_id", userID, "error", err)
	}
	return op, nil
}

// formatUSD renders a cost the way log lines/descriptions expect it.
func formatUSD(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
