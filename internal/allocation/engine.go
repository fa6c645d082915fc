// Package allocation splits a period total across participants by percentage.
//
// Percentages are whole numbers that always resolve to exactly 100 and amounts
// always add up to the period total to the cent. Amounts are truncated to the
// cent and the non-negative residue is given to one deterministic participant
// instead of being spread.
package allocation

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sharepool/sharepool/internal/shared"
)

// Tolerance is how far a fully configured set may drift from 100 and still be repaired.
const Tolerance = 1

var hundred = decimal.NewFromInt(100)

var (
	// ErrNoParticipants rejects an empty participant list.
	ErrNoParticipants = shared.NewValidationError("participants", "at least one participant is required")
	// ErrUnknownParticipant rejects edits for a participant outside the list.
	ErrUnknownParticipant = shared.NewValidationError("participant_id", "participant is not part of the session")
)

// Member is one participant with an optional configured percentage.
type Member struct {
	ID         string
	Percentage *int
}

// Share is the computed slice for one participant.
type Share struct {
	ParticipantID string
	Percentage    int
	Amount        decimal.Decimal
	// Fallback is set when Percentage was derived because none was configured.
	Fallback bool
}

// Result groups the shares of one distribution run.
type Result struct {
	Total           decimal.Decimal
	Shares          []Share
	FallbackApplied bool
	// CorrectionTarget received the percentage drift and the cent residual.
	CorrectionTarget string
	PercentDrift     int
	CentResidual     decimal.Decimal
}

// Percent is a convenience for building members.
func Percent(v int) *int {
	return &v
}

// EqualSplit splits 100 across n participants: floor(100/n) each, with the
// remainder on the first participant so the sum is exactly 100.
func EqualSplit(n int) []int {
	return splitEvenly(100, n)
}

func splitEvenly(total, n int) []int {
	if n <= 0 {
		return nil
	}
	out := make([]int, n)
	base := total / n
	for i := range out {
		out[i] = base
	}
	out[0] += total - base*n
	return out
}

// Resolve turns configured percentages into a complete set summing to 100.
// The returned flags mark participants whose value came from the fallback.
func Resolve(members []Member) ([]int, []bool, error) {
	n := len(members)
	if n == 0 {
		return nil, nil, ErrNoParticipants
	}
	sumSet, set := 0, 0
	for _, m := range members {
		if m.Percentage == nil {
			continue
		}
		if err := validatePercent(m.ID, *m.Percentage); err != nil {
			return nil, nil, err
		}
		sumSet += *m.Percentage
		set++
	}
	flags := make([]bool, n)
	switch {
	case set == 0:
		return EqualSplit(n), flags, nil
	case set < n:
		if sumSet > 100 {
			return nil, nil, shared.NewValidationError("percentages", fmt.Sprintf("configured percentages already exceed 100, got %d", sumSet))
		}
		fill := splitEvenly(100-sumSet, n-set)
		pcts := make([]int, n)
		j := 0
		for i, m := range members {
			if m.Percentage != nil {
				pcts[i] = *m.Percentage
				continue
			}
			pcts[i] = fill[j]
			flags[i] = true
			j++
		}
		return pcts, flags, nil
	}
	pcts := make([]int, n)
	for i, m := range members {
		pcts[i] = *m.Percentage
	}
	diff := 100 - sumSet
	if diff > Tolerance || diff < -Tolerance {
		return nil, nil, shared.NewValidationError("percentages", fmt.Sprintf("percentages must sum to 100, got %d", sumSet))
	}
	if diff != 0 {
		pcts[correctionTarget(pcts)] += diff
	}
	return pcts, flags, nil
}

// Distribute computes the percentage and amount of every member for total.
func Distribute(total decimal.Decimal, members []Member) (Result, error) {
	if len(members) == 0 {
		return Result{}, ErrNoParticipants
	}
	if total.IsNegative() {
		return Result{}, shared.NewValidationError("total", fmt.Sprintf("total amount must not be negative, got %s", total.StringFixed(2)))
	}
	pcts, flags, err := Resolve(members)
	if err != nil {
		return Result{}, err
	}
	total = total.Round(2)
	target := correctionTarget(pcts)
	res := Result{
		Total:            total,
		Shares:           make([]Share, len(members)),
		CorrectionTarget: members[target].ID,
	}
	if isFullyConfigured(members) {
		res.PercentDrift = 100 - configuredSum(members)
	}
	sum := decimal.Zero
	for i, m := range members {
		amount := total.Mul(decimal.NewFromInt(int64(pcts[i]))).Div(hundred).RoundDown(2)
		sum = sum.Add(amount)
		res.Shares[i] = Share{ParticipantID: m.ID, Percentage: pcts[i], Amount: amount, Fallback: flags[i]}
		if flags[i] {
			res.FallbackApplied = true
		}
	}
	res.CentResidual = total.Sub(sum)
	if !res.CentResidual.IsZero() {
		res.Shares[target].Amount = res.Shares[target].Amount.Add(res.CentResidual)
	}
	return res, nil
}

// Renormalize scales whole percentages so they sum to exactly 100, keeping
// their proportions. The floor remainder goes to the correction target. An
// all-zero set becomes an equal split.
func Renormalize(pcts []int) []int {
	if len(pcts) == 0 {
		return nil
	}
	sum := 0
	for _, p := range pcts {
		sum += p
	}
	if sum == 0 {
		return EqualSplit(len(pcts))
	}
	out := make([]int, len(pcts))
	assigned := 0
	for i, p := range pcts {
		out[i] = p * 100 / sum
		assigned += out[i]
	}
	out[correctionTarget(pcts)] += 100 - assigned
	return out
}

// Rebalance applies a manual edit of one participant and redistributes the
// complement across the others in proportion to their prior percentages.
func Rebalance(members []Member, id string, value int) ([]Member, error) {
	if len(members) == 0 {
		return nil, ErrNoParticipants
	}
	if err := validatePercent(id, value); err != nil {
		return nil, err
	}
	edited := -1
	for i, m := range members {
		if m.ID == id {
			edited = i
			break
		}
	}
	if edited < 0 {
		return nil, ErrUnknownParticipant
	}
	out := make([]Member, len(members))
	if len(members) == 1 {
		if value != 100 {
			return nil, shared.NewValidationError("percentages", fmt.Sprintf("a single participant must hold 100, got %d", value))
		}
		out[0] = Member{ID: id, Percentage: Percent(100)}
		return out, nil
	}
	prior, _, err := Resolve(members)
	if err != nil {
		prior = EqualSplit(len(members))
	}
	complement := 100 - value
	others := make([]int, 0, len(members)-1)
	priorSum := 0
	for i := range members {
		if i == edited {
			continue
		}
		others = append(others, i)
		priorSum += prior[i]
	}
	next := make([]int, len(members))
	next[edited] = value
	switch {
	case len(others) == 1:
		next[others[0]] = complement
	case priorSum == 0:
		even := splitEvenly(complement, len(others))
		for j, idx := range others {
			next[idx] = even[j]
		}
	default:
		assigned := 0
		for _, idx := range others {
			next[idx] = complement * prior[idx] / priorSum
			assigned += next[idx]
		}
		// floor division only ever leaves a non-negative remainder
		next[others[0]] += complement - assigned
	}
	for i, m := range members {
		out[i] = Member{ID: m.ID, Percentage: Percent(next[i])}
	}
	return out, nil
}

func validatePercent(id string, v int) error {
	if v < 0 || v > 100 {
		return shared.NewValidationError("percentage", fmt.Sprintf("percentage for %s must be within 0-100, got %d", id, v))
	}
	return nil
}

// correctionTarget is the first participant holding the largest percentage.
func correctionTarget(pcts []int) int {
	target := 0
	for i, p := range pcts {
		if p > pcts[target] {
			target = i
		}
	}
	return target
}

func isFullyConfigured(members []Member) bool {
	for _, m := range members {
		if m.Percentage == nil {
			return false
		}
	}
	return true
}

func configuredSum(members []Member) int {
	sum := 0
	for _, m := range members {
		if m.Percentage != nil {
			sum += *m.Percentage
		}
	}
	return sum
}
