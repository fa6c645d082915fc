// Package settlement proposes peer transfers that net out paid-versus-owed balances.
package settlement

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Epsilon is the currency-unit threshold under which a balance counts as settled.
var Epsilon = decimal.RequireFromString("0.01")

// Balance is what one participant paid against what they owed.
type Balance struct {
	ParticipantID string          `json:"participant_id"`
	Paid          decimal.Decimal `json:"paid"`
	Share         decimal.Decimal `json:"share"`
}

// Net returns paid minus share.
func (b Balance) Net() decimal.Decimal {
	return b.Paid.Sub(b.Share)
}

// Transfer is one proposed payment from a debtor to a creditor.
type Transfer struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

type party struct {
	id      string
	balance decimal.Decimal
}

// Compute matches debtors against creditors greedily, largest first. The result
// is in generation order; it is not guaranteed to use the fewest transfers.
func Compute(balances []Balance) []Transfer {
	var debtors, creditors []party
	for _, b := range balances {
		net := b.Net()
		switch {
		case net.LessThanOrEqual(Epsilon.Neg()):
			debtors = append(debtors, party{id: b.ParticipantID, balance: net})
		case net.GreaterThanOrEqual(Epsilon):
			creditors = append(creditors, party{id: b.ParticipantID, balance: net})
		}
	}
	sort.SliceStable(debtors, func(i, j int) bool {
		if c := debtors[i].balance.Cmp(debtors[j].balance); c != 0 {
			return c < 0
		}
		return strings.Compare(debtors[i].id, debtors[j].id) < 0
	})
	sort.SliceStable(creditors, func(i, j int) bool {
		if c := creditors[i].balance.Cmp(creditors[j].balance); c != 0 {
			return c > 0
		}
		return strings.Compare(creditors[i].id, creditors[j].id) < 0
	})

	var transfers []Transfer
	for len(debtors) > 0 && len(creditors) > 0 {
		d, c := &debtors[0], &creditors[0]
		amount := decimal.Min(d.balance.Abs(), c.balance).Round(2)
		if amount.IsPositive() {
			transfers = append(transfers, Transfer{From: d.id, To: c.id, Amount: amount})
		}
		d.balance = d.balance.Add(amount)
		c.balance = c.balance.Sub(amount)
		if d.balance.Abs().LessThan(Epsilon) || !amount.IsPositive() {
			debtors = debtors[1:]
		}
		if c.balance.Abs().LessThan(Epsilon) || !amount.IsPositive() {
			creditors = creditors[1:]
		}
	}
	return transfers
}

