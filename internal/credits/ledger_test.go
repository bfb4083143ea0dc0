package credits

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"server/internal/domain"
)

func TestEstimateCostDeterministic(t *testing.T) {
	a := EstimateCost(12.5, 3, true)
	b := EstimateCost(12.5, 3, true)
	assert.Equal(t, a, b)
}

func TestEstimateCostComponents(t *testing.T) {
	base := EstimateCost(0, 0, false)
	assert.Equal(t, int64(baseCostMicros), base)
	assert.Equal(t, base+perMegapixelMicros, EstimateCost(1, 0, false))
	assert.Equal(t, base+2*perRegionMicros, EstimateCost(0, 2, false))
	assert.Equal(t, base+auxiliaryModelsMicros, EstimateCost(0, 0, true))
	assert.Equal(t, base, EstimateCost(-4, -1, false), "negative inputs clamp to zero")
}

// ledgerStub records executed statements and scripts row results per query.
type ledgerStub struct {
	balance     int64
	refunded    map[string]bool
	execQueries []string
}

func newLedgerStub(balance int64) *ledgerStub {
	return &ledgerStub{balance: balance, refunded: map[string]bool{}}
}

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }

func (s *ledgerStub) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	s.execQueries = append(s.execQueries, query)
	if strings.Contains(query, "balance_micros = balance_micros +") {
		s.balance += args[1].(int64)
	}
	return pgconn.CommandTag{}, nil
}

func (s *ledgerStub) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}

func (s *ledgerStub) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	switch {
	case strings.Contains(query, "balance_micros >="):
		amount := args[1].(int64)
		if s.balance < amount {
			return scanFunc(func(dest ...any) error { return pgx.ErrNoRows })
		}
		s.balance -= amount
		return scanFunc(func(dest ...any) error {
			*dest[0].(*int64) = s.balance
			return nil
		})
	case strings.Contains(query, "'refund'"):
		jobID := args[3].(string)
		if s.refunded[jobID] {
			return scanFunc(func(dest ...any) error { return pgx.ErrNoRows })
		}
		s.refunded[jobID] = true
		return scanFunc(func(dest ...any) error {
			*dest[0].(*string) = "entry-1"
			return nil
		})
	}
	return scanFunc(func(dest ...any) error { return pgx.ErrNoRows })
}

func TestReserveInsufficientFunds(t *testing.T) {
	stub := newLedgerStub(100)
	ledger := NewLedger(zerolog.Nop())

	_, err := ledger.Reserve(context.Background(), stub, "t1", 500, "job-1")
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)
	assert.Equal(t, int64(100), stub.balance, "failed reservation must not debit")
	assert.Empty(t, stub.execQueries, "failed reservation must not write ledger entries")
}

func TestReserveDebitsAndRecords(t *testing.T) {
	stub := newLedgerStub(1_000_000)
	ledger := NewLedger(zerolog.Nop())

	balance, err := ledger.Reserve(context.Background(), stub, "t1", 400_000, "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(600_000), balance)
	require.Len(t, stub.execQueries, 1)
	assert.Contains(t, stub.execQueries[0], "'reserve'")
}

func TestRefundIdempotentPerJob(t *testing.T) {
	stub := newLedgerStub(0)
	ledger := NewLedger(zerolog.Nop())

	applied, err := ledger.Refund(context.Background(), stub, "t1", 250_000, "job-1")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(250_000), stub.balance)

	applied, err = ledger.Refund(context.Background(), stub, "t1", 250_000, "job-1")
	require.NoError(t, err)
	assert.False(t, applied, "second refund for the same job must be a no-op")
	assert.Equal(t, int64(250_000), stub.balance)
}

func TestRefundZeroAmountNoOp(t *testing.T) {
	stub := newLedgerStub(0)
	ledger := NewLedger(zerolog.Nop())

	applied, err := ledger.Refund(context.Background(), stub, "t1", 0, "job-1")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Empty(t, stub.execQueries)
}
