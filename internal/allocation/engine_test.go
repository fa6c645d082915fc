package allocation

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharepool/sharepool/internal/shared"
)

func members(ids ...string) []Member {
	out := make([]Member, len(ids))
	for i, id := range ids {
		out[i] = Member{ID: id}
	}
	return out
}

func percentages(shares []Share) []int {
	out := make([]int, len(shares))
	for i, s := range shares {
		out[i] = s.Percentage
	}
	return out
}

func amounts(shares []Share) []string {
	out := make([]string, len(shares))
	for i, s := range shares {
		out[i] = s.Amount.StringFixed(2)
	}
	return out
}

func sumAmounts(shares []Share) decimal.Decimal {
	sum := decimal.Zero
	for _, s := range shares {
		sum = sum.Add(s.Amount)
	}
	return sum
}

func TestEqualSplit(t *testing.T) {
	assert.Equal(t, []int{34, 33, 33}, EqualSplit(3))
	assert.Equal(t, []int{25, 25, 25, 25}, EqualSplit(4))
	assert.Equal(t, []int{20, 16, 16, 16, 16, 16}, EqualSplit(6))
	assert.Equal(t, []int{100}, EqualSplit(1))
	assert.Nil(t, EqualSplit(0))
}

func TestDistributeEqualSplitWithoutPercentages(t *testing.T) {
	res, err := Distribute(decimal.RequireFromString("300.00"), members("a", "b", "c"))
	require.NoError(t, err)

	assert.Equal(t, []int{34, 33, 33}, percentages(res.Shares))
	assert.Equal(t, []string{"102.00", "99.00", "99.00"}, amounts(res.Shares))
	assert.True(t, sumAmounts(res.Shares).Equal(decimal.RequireFromString("300.00")))
	assert.False(t, res.FallbackApplied)
	assert.Equal(t, "a", res.CorrectionTarget)
}

func TestDistributeAssignsCentResidualToCorrectionTarget(t *testing.T) {
	res, err := Distribute(decimal.RequireFromString("10.01"), members("a", "b", "c"))
	require.NoError(t, err)

	assert.Equal(t, []string{"3.41", "3.30", "3.30"}, amounts(res.Shares))
	assert.Equal(t, "0.01", res.CentResidual.StringFixed(2))
	assert.True(t, sumAmounts(res.Shares).Equal(decimal.RequireFromString("10.01")))
}

func TestDistributeTruncatesBeforeAssigningResidual(t *testing.T) {
	in := []Member{{ID: "a", Percentage: Percent(50)}, {ID: "b", Percentage: Percent(50)}}
	res, err := Distribute(decimal.RequireFromString("0.05"), in)
	require.NoError(t, err)

	assert.Equal(t, []string{"0.03", "0.02"}, amounts(res.Shares))
	assert.Equal(t, "0.01", res.CentResidual.StringFixed(2))
	assert.True(t, sumAmounts(res.Shares).Equal(decimal.RequireFromString("0.05")))
}

func TestDistributeTinyTotalsNeverChargeNegative(t *testing.T) {
	in := []Member{{ID: "a", Percentage: Percent(10)}}
	for _, id := range []string{"b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		in = append(in, Member{ID: id, Percentage: Percent(10)})
	}
	res, err := Distribute(decimal.RequireFromString("0.18"), in)
	require.NoError(t, err)
	assert.Equal(t, "0.09", res.Shares[0].Amount.StringFixed(2))

	configs := [][]int{
		{10, 10, 10, 10, 10, 10, 10, 10, 10, 10},
		{34, 33, 33},
		{1, 1, 1, 1, 96},
		{49, 17, 17, 17},
		{7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 16},
	}
	for _, pcts := range configs {
		in := make([]Member, len(pcts))
		for i, p := range pcts {
			in[i] = Member{ID: string(rune('a' + i)), Percentage: Percent(p)}
		}
		for cents := int64(0); cents <= 300; cents++ {
			total := decimal.New(cents, -2)
			res, err := Distribute(total, in)
			require.NoError(t, err)
			for _, share := range res.Shares {
				require.False(t, share.Amount.IsNegative(), "total %s %v: %s got %s", total, pcts, share.ParticipantID, share.Amount)
			}
			require.True(t, sumAmounts(res.Shares).Equal(total), "total %s %v", total, pcts)
			require.False(t, res.CentResidual.IsNegative())
		}
	}
}

func TestRenormalize(t *testing.T) {
	assert.Equal(t, []int{67, 33}, Renormalize([]int{50, 25}))
	assert.Equal(t, []int{50, 50}, Renormalize([]int{25, 25}))
	assert.Equal(t, []int{34, 33, 33}, Renormalize([]int{20, 20, 20}))
	assert.Equal(t, []int{50, 50}, Renormalize([]int{0, 0}))
	assert.Equal(t, []int{100}, Renormalize([]int{40}))
	assert.Nil(t, Renormalize(nil))
}

func TestDistributeRepairsDriftWithinTolerance(t *testing.T) {
	in := []Member{
		{ID: "a", Percentage: Percent(33)},
		{ID: "b", Percentage: Percent(33)},
		{ID: "c", Percentage: Percent(33)},
	}
	res, err := Distribute(decimal.RequireFromString("90.00"), in)
	require.NoError(t, err)

	assert.Equal(t, []int{34, 33, 33}, percentages(res.Shares))
	assert.Equal(t, 1, res.PercentDrift)
	assert.Equal(t, "a", res.CorrectionTarget)
}

func TestDistributeRejectsDriftBeyondTolerance(t *testing.T) {
	in := []Member{
		{ID: "a", Percentage: Percent(50)},
		{ID: "b", Percentage: Percent(47)},
	}
	_, err := Distribute(decimal.RequireFromString("10.00"), in)
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrValidation))
	assert.Contains(t, err.Error(), "percentages must sum to 100, got 97")
}

func TestDistributeFallbackForUnconfiguredParticipants(t *testing.T) {
	in := []Member{
		{ID: "a", Percentage: Percent(50)},
		{ID: "b"},
		{ID: "c"},
	}
	res, err := Distribute(decimal.RequireFromString("200.00"), in)
	require.NoError(t, err)

	assert.Equal(t, []int{50, 25, 25}, percentages(res.Shares))
	assert.True(t, res.FallbackApplied)
	assert.False(t, res.Shares[0].Fallback)
	assert.True(t, res.Shares[1].Fallback)
	assert.True(t, res.Shares[2].Fallback)
}

func TestDistributeFallbackRejectsOverAllocation(t *testing.T) {
	in := []Member{
		{ID: "a", Percentage: Percent(80)},
		{ID: "b", Percentage: Percent(30)},
		{ID: "c"},
	}
	_, err := Distribute(decimal.RequireFromString("10.00"), in)
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrValidation))
}

func TestDistributeValidation(t *testing.T) {
	_, err := Distribute(decimal.RequireFromString("10.00"), nil)
	assert.ErrorIs(t, err, ErrNoParticipants)

	_, err = Distribute(decimal.RequireFromString("-1.00"), members("a"))
	assert.ErrorIs(t, err, shared.ErrValidation)

	_, err = Distribute(decimal.RequireFromString("1.00"), []Member{{ID: "a", Percentage: Percent(101)}})
	assert.ErrorIs(t, err, shared.ErrValidation)

	_, err = Distribute(decimal.RequireFromString("1.00"), []Member{{ID: "a", Percentage: Percent(-1)}, {ID: "b"}})
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestDistributeZeroTotal(t *testing.T) {
	res, err := Distribute(decimal.Zero, members("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, []string{"0.00", "0.00"}, amounts(res.Shares))
	assert.Equal(t, []int{50, 50}, percentages(res.Shares))
}

func TestDistributeIsDeterministic(t *testing.T) {
	in := members("a", "b", "c", "d", "e", "f", "g")
	total := decimal.RequireFromString("1234.57")
	first, err := Distribute(total, in)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Distribute(total, in)
		require.NoError(t, err)
		assert.Equal(t, amounts(first.Shares), amounts(again.Shares))
		assert.Equal(t, percentages(first.Shares), percentages(again.Shares))
	}
	assert.True(t, sumAmounts(first.Shares).Equal(total))
}

func TestRebalanceSplitsComplementProportionally(t *testing.T) {
	out, err := Rebalance(members("a", "b", "c"), "a", 50)
	require.NoError(t, err)
	got := make([]int, len(out))
	for i, m := range out {
		got[i] = *m.Percentage
	}
	assert.Equal(t, []int{50, 25, 25}, got)
}

func TestRebalanceOddComplementGoesToFirstOther(t *testing.T) {
	out, err := Rebalance(members("a", "b", "c"), "a", 51)
	require.NoError(t, err)
	got := make([]int, len(out))
	for i, m := range out {
		got[i] = *m.Percentage
	}
	assert.Equal(t, []int{51, 25, 24}, got)
}

func TestRebalanceKeepsRelativeShares(t *testing.T) {
	in := []Member{
		{ID: "a", Percentage: Percent(20)},
		{ID: "b", Percentage: Percent(60)},
		{ID: "c", Percentage: Percent(20)},
	}
	out, err := Rebalance(in, "c", 60)
	require.NoError(t, err)
	assert.Equal(t, 10, *out[0].Percentage)
	assert.Equal(t, 30, *out[1].Percentage)
	assert.Equal(t, 60, *out[2].Percentage)
}

func TestRebalanceSingleOtherTakesComplement(t *testing.T) {
	out, err := Rebalance(members("a", "b"), "b", 70)
	require.NoError(t, err)
	assert.Equal(t, 30, *out[0].Percentage)
	assert.Equal(t, 70, *out[1].Percentage)
}

func TestRebalanceZeroPriorsSplitEvenly(t *testing.T) {
	in := []Member{
		{ID: "a", Percentage: Percent(100)},
		{ID: "b", Percentage: Percent(0)},
		{ID: "c", Percentage: Percent(0)},
	}
	out, err := Rebalance(in, "a", 40)
	require.NoError(t, err)
	assert.Equal(t, 40, *out[0].Percentage)
	assert.Equal(t, 30, *out[1].Percentage)
	assert.Equal(t, 30, *out[2].Percentage)
}

func TestRebalanceValidation(t *testing.T) {
	_, err := Rebalance(members("a", "b"), "z", 10)
	assert.ErrorIs(t, err, ErrUnknownParticipant)

	_, err = Rebalance(members("a", "b"), "a", 120)
	assert.ErrorIs(t, err, shared.ErrValidation)

	_, err = Rebalance(members("a"), "a", 60)
	assert.ErrorIs(t, err, shared.ErrValidation)

	out, err := Rebalance(members("a"), "a", 100)
	require.NoError(t, err)
	assert.Equal(t, 100, *out[0].Percentage)
}
