package order

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// PricingRules are the store-wide parameters of the totals computation.
// Rates are fractions: 0.1 means ten percent.
type PricingRules struct {
	Currency          string
	TaxRate           decimal.Decimal
	AutogratThreshold Money
	AutogratPercent   decimal.Decimal
}

type TotalsInput struct {
	Lines     []PricedLine
	Discounts []Discount
	Payments  []Tender
	Tip       TipSelection
	Rules     PricingRules
}

type Totals struct {
	Subtotal              Money
	DiscountApplied       []Money
	DiscountTotal         Money
	SubtotalAfterDiscount Money
	Tax                   Money
	TipBasis              Money
	TipMinimum            Money
	Tip                   Money
	Total                 Money
	Paid                  Money
	Balance               Money
}

// Underpaid reports whether the tenders fail to cover the total.
func (t Totals) Underpaid() bool {
	return t.Balance.Amount > 0
}

func (t Totals) TipBelowMinimum() bool {
	return t.Tip.Amount < t.TipMinimum.Amount
}

var one = decimal.NewFromInt(1)

// roundCents rounds half away from zero to a whole cent.
func roundCents(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}

func percentOf(amount int64, pct decimal.Decimal) int64 {
	return roundCents(decimal.NewFromInt(amount).Mul(pct))
}

func validPercent(pct decimal.Decimal) bool {
	return !pct.IsNegative() && pct.LessThanOrEqual(one)
}

// Recompute derives every monetary figure of an order from its priced cart,
// discounts, tip selection and tenders.
func Recompute(in TotalsInput) (Totals, error) {
	cur := in.Rules.Currency
	money := func(amount int64) Money { return Money{Amount: amount, Currency: cur} }

	if !validPercent(in.Rules.TaxRate) {
		return Totals{}, fmt.Errorf("totals: tax rate %s out of range", in.Rules.TaxRate)
	}

	var subtotal int64
	for _, l := range in.Lines {
		if l.Entry.Quantity <= 0 {
			return Totals{}, fmt.Errorf("totals: non-positive quantity for product %s", l.Entry.ProductID)
		}
		if l.UnitPrice.Amount < 0 {
			return Totals{}, fmt.Errorf("totals: negative price for product %s", l.Entry.ProductID)
		}
		if l.UnitPrice.Currency != "" && l.UnitPrice.Currency != cur {
			return Totals{}, fmt.Errorf("totals: product %s priced in %s, expected %s", l.Entry.ProductID, l.UnitPrice.Currency, cur)
		}
		subtotal += l.Total().Amount
	}

	// Скидки применяются по порядку к оставшейся сумме до налога.
	remaining := subtotal
	applied := make([]Money, len(in.Discounts))
	for i, d := range in.Discounts {
		var want int64
		switch d.Kind {
		case DiscountCreditCode, DiscountManualAmount:
			if d.Amount.Amount < 0 {
				return Totals{}, fmt.Errorf("totals: negative amount on discount %d", i)
			}
			want = d.Amount.Amount
		case DiscountManualPercentage:
			if !validPercent(d.Percentage) {
				return Totals{}, fmt.Errorf("totals: percentage %s out of range on discount %d", d.Percentage, i)
			}
			want = percentOf(subtotal, d.Percentage)
		default:
			return Totals{}, fmt.Errorf("totals: unknown discount kind %q", d.Kind)
		}
		got := min(want, remaining)
		applied[i] = money(got)
		remaining -= got
	}

	tax := percentOf(remaining, in.Rules.TaxRate)

	var tip int64
	if in.Tip.IsPercentage {
		if in.Tip.Percentage.IsNegative() {
			return Totals{}, errors.New("totals: negative tip percentage")
		}
		tip = percentOf(subtotal, in.Tip.Percentage)
	} else {
		if in.Tip.Amount.Amount < 0 {
			return Totals{}, errors.New("totals: negative tip")
		}
		tip = in.Tip.Amount.Amount
	}

	var tipMinimum int64
	if in.Rules.AutogratThreshold.Amount > 0 && subtotal >= in.Rules.AutogratThreshold.Amount {
		tipMinimum = percentOf(subtotal, in.Rules.AutogratPercent)
	}

	var paid int64
	for i, p := range in.Payments {
		if p.Amount.Amount < 0 {
			return Totals{}, fmt.Errorf("totals: negative amount on tender %d", i)
		}
		paid += p.Amount.Amount
	}

	total := remaining + tax + tip
	return Totals{
		Subtotal:              money(subtotal),
		DiscountApplied:       applied,
		DiscountTotal:         money(subtotal - remaining),
		SubtotalAfterDiscount: money(remaining),
		Tax:                   money(tax),
		TipBasis:              money(subtotal),
		TipMinimum:            money(tipMinimum),
		Tip:                   money(tip),
		Total:                 money(total),
		Paid:                  money(paid),
		Balance:               money(total - paid),
	}, nil
}
