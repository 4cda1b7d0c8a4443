package fees

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gapeva/gapeva-core/pkg/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestDepositFee(t *testing.T) {
	p := DefaultPolicy()

	fee, net := p.Compute(models.KindDeposit, dec("100.00"))
	assert.True(t, fee.Equal(dec("3.00")), "fee = %s", fee)
	assert.True(t, net.Equal(dec("97.00")), "net = %s", net)
}

func TestWithdrawalFee(t *testing.T) {
	p := DefaultPolicy()

	fee, net := p.Compute(models.KindWithdrawal, dec("100.00"))
	assert.True(t, fee.Equal(dec("35.00")), "fee = %s", fee)
	assert.True(t, net.Equal(dec("65.00")), "net = %s", net)
}

func TestTransfersCarryNoFee(t *testing.T) {
	p := DefaultPolicy()

	for _, kind := range []string{models.KindAllocate, models.KindDeallocate} {
		fee, net := p.Compute(kind, dec("42.50"))
		assert.True(t, fee.IsZero(), "kind %s fee = %s", kind, fee)
		assert.True(t, net.Equal(dec("42.50")), "kind %s net = %s", kind, net)
	}
}

func TestFeeRoundsHalfEven(t *testing.T) {
	p := DefaultPolicy()

	// 3% of 7.50 is 0.225: the tie rounds to the even cent 0.22.
	fee, net := p.Compute(models.KindDeposit, dec("7.50"))
	assert.True(t, fee.Equal(dec("0.22")), "fee = %s", fee)
	assert.True(t, net.Equal(dec("7.28")), "net = %s", net)

	// 3% of 12.50 is 0.375: the tie rounds to the even cent 0.38.
	fee, net = p.Compute(models.KindDeposit, dec("12.50"))
	assert.True(t, fee.Equal(dec("0.38")), "fee = %s", fee)
	assert.True(t, net.Equal(dec("12.12")), "net = %s", net)
}

func TestFeePlusNetEqualsGross(t *testing.T) {
	p := DefaultPolicy()

	amounts := []string{"3.00", "7.50", "19.99", "100.00", "12345.67", "0.01"}
	kinds := []string{models.KindDeposit, models.KindWithdrawal, models.KindAllocate}
	for _, kind := range kinds {
		for _, raw := range amounts {
			gross := dec(raw)
			fee, net := p.Compute(kind, gross)
			require.True(t, fee.Add(net).Equal(gross),
				"kind %s gross %s: fee %s + net %s", kind, gross, fee, net)
			require.False(t, fee.IsNegative())
			require.False(t, net.IsNegative())
		}
	}
}
