// Package credits implements the tenant spending ledger: deterministic cost
// estimation, atomic reservation against the tenant balance, and idempotent
// refunds keyed by job id.
package credits

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/sqlinline"
)

// Pricing constants, in micro-credits.
const (
	baseCostMicros        = 250_000
	perMegapixelMicros    = 40_000
	perRegionMicros       = 60_000
	auxiliaryModelsMicros = 150_000
)

// EstimateCost returns the reservation amount for a submission. Pure function
// of its inputs; fractional megapixels are charged pro rata.
func EstimateCost(megapixels float64, regionCount int, hasAuxiliaryModels bool) int64 {
	if megapixels < 0 {
		megapixels = 0
	}
	if regionCount < 0 {
		regionCount = 0
	}
	cost := int64(baseCostMicros)
	cost += int64(math.Ceil(megapixels * perMegapixelMicros))
	cost += int64(regionCount) * perRegionMicros
	if hasAuxiliaryModels {
		cost += auxiliaryModelsMicros
	}
	return cost
}

// Ledger performs balance mutations against the tenants table and records
// every movement in credit_ledger. Methods take the executor explicitly so
// callers can enclose them in a wider transaction.
type Ledger struct {
	logger zerolog.Logger
}

func NewLedger(logger zerolog.Logger) *Ledger {
	return &Ledger{logger: logger}
}

// Reserve debits the tenant balance if and only if sufficient funds exist,
// and writes the matching reserve entry. Returns the new balance, or
// domain.ErrInsufficientCredits with no mutation.
func (l *Ledger) Reserve(ctx context.Context, q infra.SQLExecutor, tenantID string, amountMicros int64, referenceJobID string) (int64, error) {
	var newBalance int64
	err := q.QueryRow(ctx, sqlinline.QReserveCredits, tenantID, amountMicros).Scan(&newBalance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrInsufficientCredits
		}
		return 0, fmt.Errorf("reserve credits: %w", err)
	}
	if _, err := q.Exec(ctx, sqlinline.QInsertReserveEntry, uuid.NewString(), tenantID, amountMicros, referenceJobID); err != nil {
		return 0, fmt.Errorf("record reservation: %w", err)
	}
	l.logger.Debug().
		Str("tenant_id", tenantID).
		Int64("amount_micros", amountMicros).
		Int64("balance_micros", newBalance).
		Msg("credits reserved")
	return newBalance, nil
}

// Refund credits the tenant balance, at most once per reference job. The
// ledger insert is the idempotency gate: a duplicate refund inserts nothing
// and leaves the balance untouched. Returns whether the refund was applied.
func (l *Ledger) Refund(ctx context.Context, q infra.SQLExecutor, tenantID string, amountMicros int64, referenceJobID string) (bool, error) {
	if amountMicros <= 0 {
		return false, nil
	}
	var entryID string
	err := q.QueryRow(ctx, sqlinline.QInsertRefundEntry, uuid.NewString(), tenantID, amountMicros, referenceJobID).Scan(&entryID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Already refunded for this job.
			return false, nil
		}
		return false, fmt.Errorf("record refund: %w", err)
	}
	if _, err := q.Exec(ctx, sqlinline.QApplyRefund, tenantID, amountMicros); err != nil {
		return false, fmt.Errorf("apply refund: %w", err)
	}
	l.logger.Info().
		Str("tenant_id", tenantID).
		Str("job_id", referenceJobID).
		Int64("amount_micros", amountMicros).
		Msg("credits refunded")
	return true, nil
}
