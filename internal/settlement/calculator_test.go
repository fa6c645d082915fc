package settlement

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func net(id, balance string) Balance {
	b := d(balance)
	if b.IsNegative() {
		return Balance{ParticipantID: id, Paid: decimal.Zero, Share: b.Neg()}
	}
	return Balance{ParticipantID: id, Paid: b, Share: decimal.Zero}
}

func totals(transfers []Transfer) (map[string]decimal.Decimal, map[string]decimal.Decimal) {
	out := map[string]decimal.Decimal{}
	in := map[string]decimal.Decimal{}
	for _, t := range transfers {
		out[t.From] = out[t.From].Add(t.Amount)
		in[t.To] = in[t.To].Add(t.Amount)
	}
	return out, in
}

func TestComputeTwoDebtorsOneCreditor(t *testing.T) {
	transfers := Compute([]Balance{net("A", "-40"), net("B", "-10"), net("C", "50")})
	require.Len(t, transfers, 2)

	assert.Equal(t, "A", transfers[0].From)
	assert.Equal(t, "C", transfers[0].To)
	assert.Equal(t, "40.00", transfers[0].Amount.StringFixed(2))
	assert.Equal(t, "B", transfers[1].From)
	assert.Equal(t, "C", transfers[1].To)
	assert.Equal(t, "10.00", transfers[1].Amount.StringFixed(2))
}

func TestComputeConservesBalances(t *testing.T) {
	balances := []Balance{
		{ParticipantID: "ana", Paid: d("120.00"), Share: d("45.33")},
		{ParticipantID: "bo", Paid: d("0.00"), Share: d("45.33")},
		{ParticipantID: "cy", Paid: d("15.00"), Share: d("45.34")},
		{ParticipantID: "di", Paid: d("30.00"), Share: d("29.00")},
	}
	transfers := Compute(balances)
	out, in := totals(transfers)
	for _, b := range balances {
		n := b.Net()
		switch {
		case n.IsNegative():
			assert.True(t, out[b.ParticipantID].Sub(n.Abs()).Abs().LessThan(Epsilon), "debtor %s pays %s", b.ParticipantID, out[b.ParticipantID])
		case n.IsPositive():
			assert.True(t, in[b.ParticipantID].Sub(n).Abs().LessThan(Epsilon), "creditor %s receives %s", b.ParticipantID, in[b.ParticipantID])
		}
	}
}

func TestComputeOrdersLargestFirst(t *testing.T) {
	transfers := Compute([]Balance{net("small", "-5"), net("big", "-25"), net("c1", "10"), net("c2", "20")})
	require.Len(t, transfers, 3)
	assert.Equal(t, "big", transfers[0].From)
	assert.Equal(t, "c2", transfers[0].To)
	assert.Equal(t, "20.00", transfers[0].Amount.StringFixed(2))
	assert.Equal(t, "big", transfers[1].From)
	assert.Equal(t, "c1", transfers[1].To)
	assert.Equal(t, "5.00", transfers[1].Amount.StringFixed(2))
	assert.Equal(t, "small", transfers[2].From)
	assert.Equal(t, "c1", transfers[2].To)
	assert.Equal(t, "5.00", transfers[2].Amount.StringFixed(2))
}

func TestComputeIgnoresSubCentBalances(t *testing.T) {
	transfers := Compute([]Balance{net("a", "-0.004"), net("b", "0.004")})
	assert.Empty(t, transfers)
}

func TestComputeBalancedGroupHasNoTransfers(t *testing.T) {
	transfers := Compute([]Balance{
		{ParticipantID: "a", Paid: d("50"), Share: d("50")},
		{ParticipantID: "b", Paid: d("50"), Share: d("50")},
	})
	assert.Empty(t, transfers)
}

func TestComputeTieBreaksById(t *testing.T) {
	first := Compute([]Balance{net("z", "-10"), net("y", "-10"), net("x", "20")})
	require.Len(t, first, 2)
	assert.Equal(t, "y", first[0].From)
	assert.Equal(t, "z", first[1].From)
}
