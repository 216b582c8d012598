// Package pricing computes bundle discounts and final prices.
//
// The calculator assumes its input already passed schema validation. It does
// not validate rules itself, except to reject discount types it does not know.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"bundle-pricing-api/internal/models"
)

var hundred = decimal.NewFromInt(100)

// InvalidRuleError signals a discount type the calculator does not recognise.
type InvalidRuleError struct {
	Type models.DiscountType
}

func (e *InvalidRuleError) Error() string {
	return fmt.Sprintf("pricing: unrecognised discount type %q", e.Type)
}

// Quote is the priced outcome for a bundle.
type Quote struct {
	BundlePrice       decimal.Decimal `json:"bundle_price"`
	DiscountAmount    decimal.Decimal `json:"discount_amount"`
	FinalPrice        decimal.Decimal `json:"final_price"`
	SavingsPercentage int             `json:"savings_percentage"`
}

// LineTotal sums unit price times quantity over all lines.
func LineTotal(lines []models.BundleProductLine) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}

// DiscountAmount computes the discount for a bundle price under a rule.
//
// BUY_X_GET_Y and QUANTITY_BREAKS need the bundle lines to resolve and yield
// zero here; use BundleDiscount for those.
func DiscountAmount(bundlePrice decimal.Decimal, rule models.DiscountRule) (decimal.Decimal, error) {
	return discount(bundlePrice, rule, nil)
}

// FinalPrice is the bundle price minus its discount, never below zero.
func FinalPrice(bundlePrice decimal.Decimal, rule models.DiscountRule) (decimal.Decimal, error) {
	d, err := DiscountAmount(bundlePrice, rule)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.Max(decimal.Zero, bundlePrice.Sub(d)), nil
}

// SavingsPercentage returns the whole-number percentage saved. Zero when the
// original price is zero.
func SavingsPercentage(original, discounted decimal.Decimal) int {
	if original.IsZero() {
		return 0
	}
	pct := original.Sub(discounted).Div(original).Mul(hundred).Round(0)
	return int(pct.IntPart())
}

// BundleDiscount computes the discount for a full bundle, resolving
// trigger/reward and tiered rules from its lines.
func BundleDiscount(b models.Bundle) (decimal.Decimal, error) {
	return discount(LineTotal(b.Lines), b.DiscountRule, &b)
}

// QuoteBundle prices a bundle end to end.
func QuoteBundle(b models.Bundle) (Quote, error) {
	price := LineTotal(b.Lines)
	d, err := discount(price, b.DiscountRule, &b)
	if err != nil {
		return Quote{}, err
	}
	final := decimal.Max(decimal.Zero, price.Sub(d))

	return Quote{
		BundlePrice:       price,
		DiscountAmount:    d,
		FinalPrice:        final,
		SavingsPercentage: SavingsPercentage(price, final),
	}, nil
}

func discount(price decimal.Decimal, rule models.DiscountRule, b *models.Bundle) (decimal.Decimal, error) {
	raw, err := rawDiscount(price, rule, b)
	if err != nil {
		return decimal.Zero, err
	}

	if rule.MinOrderValue != nil && price.LessThan(*rule.MinOrderValue) {
		raw = decimal.Zero
	}

	if rule.MaxDiscountAmount != nil {
		raw = decimal.Min(raw, *rule.MaxDiscountAmount)
	}
	raw = decimal.Max(decimal.Zero, raw)
	return decimal.Min(raw, decimal.Max(decimal.Zero, price)), nil
}

func rawDiscount(price decimal.Decimal, rule models.DiscountRule, b *models.Bundle) (decimal.Decimal, error) {
	value := rule.ValueOrZero()

	switch rule.Type {
	case models.DiscountPercentage:
		return price.Mul(value).Div(hundred), nil
	case models.DiscountFixedAmount:
		return value, nil
	case models.DiscountCustomPrice:
		if value.LessThan(price) {
			return price.Sub(value), nil
		}
		return decimal.Zero, nil
	case models.DiscountFreeShipping, models.DiscountNone:
		return decimal.Zero, nil
	case models.DiscountBuyXGetY:
		if b == nil {
			return decimal.Zero, nil
		}
		return rewardDiscount(*b, value), nil
	case models.DiscountQuantityBreaks:
		if b == nil {
			return decimal.Zero, nil
		}
		return tierDiscount(*b, price), nil
	default:
		return decimal.Zero, &InvalidRuleError{Type: rule.Type}
	}
}

// rewardDiscount unlocks get_quantity reward units per buy_quantity trigger
// units and discounts them by percent (a zero percent means free).
func rewardDiscount(b models.Bundle, percent decimal.Decimal) decimal.Decimal {
	buy, get := 1, 1
	if b.BuyQuantity != nil && *b.BuyQuantity > 0 {
		buy = *b.BuyQuantity
	}
	if b.GetQuantity != nil && *b.GetQuantity > 0 {
		get = *b.GetQuantity
	}
	if percent.IsZero() || percent.GreaterThan(hundred) {
		percent = hundred
	}

	triggered := 0
	for _, line := range b.Lines {
		if line.EffectiveRole() == models.RoleTrigger {
			triggered += line.Quantity
		}
	}

	unlocked := (triggered / buy) * get
	total := decimal.Zero
	for _, line := range b.Lines {
		if unlocked <= 0 {
			break
		}
		if line.EffectiveRole() != models.RoleReward {
			continue
		}
		units := min(line.Quantity, unlocked)
		unlocked -= units
		total = total.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(units))))
	}

	return total.Mul(percent).Div(hundred)
}

// tierDiscount applies the highest tier reached by the bundle's total quantity.
func tierDiscount(b models.Bundle, price decimal.Decimal) decimal.Decimal {
	quantity := 0
	for _, line := range b.Lines {
		quantity += line.Quantity
	}

	percent := decimal.Zero
	for _, tier := range b.VolumeTiers {
		if quantity >= tier.MinQuantity {
			percent = tier.DiscountPercent
		}
	}

	return price.Mul(percent).Div(hundred)
}
