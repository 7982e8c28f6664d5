package fraud

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

var weekday = time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC)

func tx(id string, amount string, at time.Time) *domain.BankTransaction {
	return &domain.BankTransaction{
		ID:            id,
		Amount:        decimal.RequireFromString(amount),
		Currency:      "NGN",
		AccountNumber: "1234567890",
		Date:          at,
		Description:   "TRANSFER TO ADA",
	}
}

func newValidator() *Validator {
	return NewValidator(DefaultConfig(), velocity.NewTracker(0))
}

func TestValidateCleanAmount(t *testing.T) {
	v := newValidator()

	r := v.Validate(context.Background(), tx("tx-1", "15000", weekday), domain.NewHistoricalContext(nil))

	assert.True(t, r.IsValid)
	assert.Empty(t, r.Flags)
	assert.Equal(t, 0.0, r.RiskScore)
	assert.Equal(t, domain.RiskVeryLow, r.RiskLevel)
}

func TestBasicChecks(t *testing.T) {
	tests := []struct {
		amount string
		flag   domain.AmountFlag
	}{
		{"1000000", domain.FlagRoundNumber},
		{"4999999", domain.FlagRoundNumber},
		{"7000000", domain.FlagRoundNumber},
		{"100.125", domain.FlagUnusualDecimal},
		{"60000000", domain.FlagLimitExceeded},
		{"4600000", domain.FlagSuspectedStructuring},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			r := newValidator().Validate(context.Background(), tx("tx", tt.amount, weekday), domain.NewHistoricalContext(nil))
			assert.Contains(t, r.Flags, tt.flag)
		})
	}

	r := newValidator().Validate(context.Background(), tx("tx", "4400000", weekday), domain.NewHistoricalContext(nil))
	assert.NotContains(t, r.Flags, domain.FlagSuspectedStructuring)
	assert.NotContains(t, r.Flags, domain.FlagRoundNumber)
}

// Crossing the single-transaction ceiling flips validity.
func TestCeilingMonotonicity(t *testing.T) {
	v := newValidator()
	ctx := context.Background()

	below := v.Validate(ctx, tx("a", "50000000", weekday), domain.NewHistoricalContext(nil))
	above := v.Validate(ctx, tx("b", "50000000.01", weekday), domain.NewHistoricalContext(nil))

	assert.NotContains(t, below.Flags, domain.FlagLimitExceeded)
	assert.True(t, below.IsValid)

	assert.Contains(t, above.Flags, domain.FlagLimitExceeded)
	assert.False(t, above.IsValid)
	assert.Greater(t, above.RiskScore, below.RiskScore)
}

func TestLimitExceededIsCritical(t *testing.T) {
	r := newValidator().Validate(context.Background(), tx("tx-c", "60000000", weekday), nil)

	assert.Contains(t, r.Flags, domain.FlagLimitExceeded)
	assert.Equal(t, domain.RiskCritical, r.RiskLevel)
	assert.False(t, r.IsValid)
	assert.LessOrEqual(t, r.RiskScore, 1.0)
}

func TestVelocity(t *testing.T) {
	t.Run("FromHistoryCount", func(t *testing.T) {
		var history []*domain.BankTransaction
		for i := 0; i < 10; i++ {
			history = append(history, tx(fmt.Sprintf("h-%d", i), fmt.Sprintf("%d", 1000+i*7), weekday.Add(-time.Duration(50-i)*time.Minute)))
		}

		r := newValidator().Validate(context.Background(), tx("tx", "2500", weekday), domain.NewHistoricalContext(history))

		assert.Contains(t, r.Flags, domain.FlagVelocityExceeded)
		assert.Equal(t, 11, r.FraudIndicators["velocity_1h_count"])
	})

	t.Run("FromHistorySum", func(t *testing.T) {
		history := []*domain.BankTransaction{tx("h", "3000000", weekday.Add(-10*time.Minute))}

		r := newValidator().Validate(context.Background(), tx("tx", "2500000", weekday), domain.NewHistoricalContext(history))

		assert.Contains(t, r.Flags, domain.FlagVelocityExceeded)
	})

	t.Run("TrackerWhenNoHistory", func(t *testing.T) {
		tracker := velocity.NewTracker(0)
		v := NewValidator(DefaultConfig(), tracker)
		ctx := context.Background()

		for i := 0; i < 10; i++ {
			r := v.Validate(ctx, tx(fmt.Sprintf("t-%d", i), "1500", weekday.Add(time.Duration(i)*time.Minute)), nil)
			assert.NotContains(t, r.Flags, domain.FlagVelocityExceeded, "transaction %d", i)
		}

		r := v.Validate(ctx, tx("t-10", "1500", weekday.Add(10*time.Minute)), nil)
		assert.Contains(t, r.Flags, domain.FlagVelocityExceeded)
		assert.Equal(t, 11, tracker.Window("1234567890", weekday.Add(10*time.Minute), velocity.Hour).Count)
	})

	t.Run("Supplied history ignores tracker", func(t *testing.T) {
		tracker := velocity.NewTracker(0)
		for i := 0; i < 20; i++ {
			tracker.Record("1234567890", weekday.Add(-time.Minute), decimal.NewFromInt(10))
		}
		v := NewValidator(DefaultConfig(), tracker)

		r := v.Validate(context.Background(), tx("tx", "1500", weekday), domain.NewHistoricalContext(nil))
		assert.NotContains(t, r.Flags, domain.FlagVelocityExceeded)
	})
}

func TestDailyLimit(t *testing.T) {
	history := []*domain.BankTransaction{
		tx("h-1", "900000", weekday.Add(-20*time.Hour)),
		tx("h-2", "900000", weekday.Add(-18*time.Hour)),
		tx("h-3", "900000", weekday.Add(-16*time.Hour)),
		tx("h-4", "900000", weekday.Add(-14*time.Hour)),
		tx("h-5", "900000", weekday.Add(-12*time.Hour)),
	}

	r := newValidator().Validate(context.Background(), tx("tx", "800000", weekday), domain.NewHistoricalContext(history))

	assert.Contains(t, r.Flags, domain.FlagDailyLimitExceeded)
}

func TestPatternChecks(t *testing.T) {
	t.Run("IdenticalAmounts", func(t *testing.T) {
		history := []*domain.BankTransaction{
			tx("h-1", "25000", weekday.Add(-72*time.Hour)),
			tx("h-2", "25000", weekday.Add(-48*time.Hour)),
		}
		r := newValidator().Validate(context.Background(), tx("tx", "25000", weekday), domain.NewHistoricalContext(history))

		assert.Contains(t, r.Flags, domain.FlagPatternAnomaly)
		assert.Equal(t, 3, r.FraudIndicators["identical_amount_count"])
	})

	t.Run("ConstantIncrement", func(t *testing.T) {
		history := []*domain.BankTransaction{
			tx("h-1", "10000", weekday.Add(-72*time.Hour)),
			tx("h-2", "20000", weekday.Add(-48*time.Hour)),
		}
		r := newValidator().Validate(context.Background(), tx("tx", "30000", weekday), domain.NewHistoricalContext(history))

		assert.Contains(t, r.Flags, domain.FlagPatternAnomaly)
		assert.Equal(t, "10000", r.FraudIndicators["constant_increment"])
	})

	t.Run("OtherAccountsIgnored", func(t *testing.T) {
		other := tx("h-1", "25000", weekday.Add(-72*time.Hour))
		other.AccountNumber = "0000000000"
		other2 := tx("h-2", "25000", weekday.Add(-48*time.Hour))
		other2.AccountNumber = "0000000000"

		r := newValidator().Validate(context.Background(), tx("tx", "25000", weekday), domain.NewHistoricalContext([]*domain.BankTransaction{other, other2}))
		assert.NotContains(t, r.Flags, domain.FlagPatternAnomaly)
	})
}

func TestStatisticalChecks(t *testing.T) {
	var history []*domain.BankTransaction
	amounts := []string{"9800", "10100", "10050", "9900", "10200", "9950", "10000", "10150", "9850", "10000"}
	for i, a := range amounts {
		history = append(history, tx(fmt.Sprintf("h-%d", i), a, weekday.AddDate(0, 0, -30+i*3)))
	}

	t.Run("Outlier", func(t *testing.T) {
		r := newValidator().Validate(context.Background(), tx("tx", "250000", weekday), domain.NewHistoricalContext(history))

		assert.Contains(t, r.Flags, domain.FlagStatisticalOutlier)
		assert.Greater(t, r.FraudIndicators["median_ratio"], 10.0)
	})

	t.Run("InRange", func(t *testing.T) {
		r := newValidator().Validate(context.Background(), tx("tx", "10080", weekday), domain.NewHistoricalContext(history))

		assert.NotContains(t, r.Flags, domain.FlagStatisticalOutlier)
		assert.Contains(t, r.FraudIndicators, "z_score")
	})

	t.Run("TooFewPoints", func(t *testing.T) {
		r := newValidator().Validate(context.Background(), tx("tx", "250000", weekday), domain.NewHistoricalContext(history[:9]))

		assert.NotContains(t, r.Flags, domain.FlagStatisticalOutlier)
		assert.NotContains(t, r.FraudIndicators, "z_score")
	})
}

// Five identical amounts on one account in a batch escalate every member.
func TestValidateBatchEscalation(t *testing.T) {
	v := newValidator()
	var txs []*domain.BankTransaction
	for i := 0; i < 5; i++ {
		txs = append(txs, tx(fmt.Sprintf("tx-%d", i), "100000", weekday.Add(time.Duration(i)*time.Hour*3)))
	}

	// Score each with its prefix, as the batch does, to compare before and after.
	var before []*domain.AmountValidationResult
	plain := newValidator()
	for i, item := range txs {
		before = append(before, plain.Validate(context.Background(), item, domain.NewHistoricalContext(txs[:i])))
	}

	after := v.ValidateBatch(context.Background(), txs)

	require.Len(t, after, 5)
	for i, r := range after {
		assert.Contains(t, r.Flags, domain.FlagPatternAnomaly, "tx %d", i)
		assert.InDelta(t, before[i].RiskScore+0.15, r.RiskScore, 1e-9, "tx %d", i)
		assert.Equal(t, 5, r.FraudIndicators["batch_identical_count"])
	}
}

func TestEscalateBatchDoesNotMutate(t *testing.T) {
	v := newValidator()
	var txs []*domain.BankTransaction
	var results []*domain.AmountValidationResult
	for i := 0; i < 5; i++ {
		item := tx(fmt.Sprintf("tx-%d", i), "100000", weekday)
		txs = append(txs, item)
		results = append(results, &domain.AmountValidationResult{
			TransactionID: item.ID,
			Amount:        item.Amount,
			IsValid:       true,
			RiskLevel:     domain.RiskVeryLow,
			Flags:         []domain.AmountFlag{},
		})
	}

	out := v.EscalateBatch(txs, results)

	for i := range results {
		assert.Empty(t, results[i].Flags)
		assert.Equal(t, 0.0, results[i].RiskScore)
		assert.Equal(t, []domain.AmountFlag{domain.FlagPatternAnomaly}, out[i].Flags)
		assert.Equal(t, 0.15, out[i].RiskScore)
		assert.Equal(t, domain.RiskLow, out[i].RiskLevel)
	}
}

func TestEscalateBatchBelowMinimum(t *testing.T) {
	v := newValidator()
	txs := []*domain.BankTransaction{tx("a", "100000", weekday), tx("b", "100000", weekday), tx("c", "5", weekday)}
	results := v.ValidateBatch(context.Background(), txs)

	for _, r := range results {
		assert.NotContains(t, r.FraudIndicators, "batch_identical_count")
	}
}
