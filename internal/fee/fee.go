// Package fee prices transfers between wallets.
package fee

import (
	"fmt"

	"github.com/richardliu001/wallet-bridge/internal/model"
	"github.com/shopspring/decimal"
)

var (
	baseFee       = decimal.RequireFromString("0.25")
	percentRate   = decimal.RequireFromString("0.005")
	bridgeRate    = decimal.RequireFromString("0.005")
	capRate       = decimal.RequireFromString("0.02")
	minimumCharge = baseFee
)

// Breakdown is the itemised price of one transfer.
type Breakdown struct {
	Base          decimal.Decimal `json:"base"`
	PercentageFee decimal.Decimal `json:"percentage_fee"`
	BridgeFee     decimal.Decimal `json:"bridge_fee"`
	Total         decimal.Decimal `json:"total"`
	Currency      string          `json:"currency"`
	Description   string          `json:"description"`
}

// Compute prices a transfer of amount from one provider to another.
// The total is clamped to at most 2% of the amount and never below 0.25.
// The amount must already be validated as positive.
func Compute(from, to model.Provider, amount decimal.Decimal, currency string) Breakdown {
	pct := amount.Mul(percentRate)
	bridge := decimal.Zero
	if from != to {
		bridge = amount.Mul(bridgeRate)
	}
	raw := baseFee.Add(pct).Add(bridge)
	total := decimal.Max(decimal.Min(raw, amount.Mul(capRate)), minimumCharge)

	desc := fmt.Sprintf("Same-platform transfer fee (%s)", from)
	if from != to {
		desc = fmt.Sprintf("Cross-platform transfer fee (%s to %s)", from, to)
	}
	return Breakdown{
		Base:          baseFee,
		PercentageFee: pct,
		BridgeFee:     bridge,
		Total:         total,
		Currency:      currency,
		Description:   desc,
	}
}
