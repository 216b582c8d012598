package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"bundle-pricing-api/internal/models"
)

// Field paths shared across phases.
const (
	FieldProducts    = "products"
	FieldVolumeTiers = "volume_tiers"
	FieldRuleValue   = "discount_rule.value"
	FieldRuleCap     = "discount_rule.max_discount_amount"
	FieldRuleMinimum = "discount_rule.min_order_value"
	FieldEndDate     = "end_date"
	FieldBuyQuantity = "buy_quantity"
	FieldGetQuantity = "get_quantity"
	FieldRateLimit   = "rate_limit"
)

const (
	// MaxBundleLines is the hard cap on product lines; shop settings may lower it.
	MaxBundleLines = 10

	msgPercentCeiling = "percentage discount cannot exceed 100"
)

var (
	hundred  = decimal.NewFromInt(100)
	validate = newStructValidator()
)

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateSchema checks shape and per-field constraints. It performs no I/O.
func ValidateSchema(b models.Bundle) Result {
	b = Normalize(b)
	errs := Errors{}

	if err := validate.Struct(b); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				errs.Add(fieldPath(fe), fieldMessage(fe))
			}
		} else {
			errs.Add("bundle", err.Error())
		}
	}

	for i, line := range b.Lines {
		if line.UnitPrice.IsNegative() {
			errs.Add(fmt.Sprintf("products[%d].unit_price", i), "must be non-negative")
		}
	}
	checkDuplicateLines(b.Lines, errs)
	checkDiscountRule(b.DiscountRule, errs)
	checkVolumeTiers(b.VolumeTiers, errs)

	if b.StartDate != nil && b.EndDate != nil && !b.EndDate.After(*b.StartDate) {
		errs.Add(FieldEndDate, "must be after start_date")
	}

	return newResult(errs, &b)
}

// fieldPath turns "Bundle.products[0].quantity" into "products[0].quantity".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		switch fe.Kind() {
		case reflect.Slice:
			return fmt.Sprintf("must contain at least %s item(s)", fe.Param())
		case reflect.String:
			return fmt.Sprintf("must be at least %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		switch fe.Kind() {
		case reflect.Slice:
			return fmt.Sprintf("cannot contain more than %s products", fe.Param())
		case reflect.String:
			return fmt.Sprintf("must be at most %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	}
	return fmt.Sprintf("failed %s check", fe.Tag())
}

func checkDuplicateLines(lines []models.BundleProductLine, errs Errors) {
	seen := make(map[string]bool, len(lines))
	for _, line := range lines {
		key := line.LineKey()
		if seen[key] {
			errs.Add(FieldProducts, fmt.Sprintf("duplicate product line: %s", key))
			continue
		}
		seen[key] = true
	}
}

func checkDiscountRule(rule models.DiscountRule, errs Errors) {
	switch rule.Type {
	case models.DiscountPercentage, models.DiscountFixedAmount, models.DiscountCustomPrice:
		if rule.Value == nil {
			errs.Add(FieldRuleValue, fmt.Sprintf("is required for %s discounts", rule.Type))
		} else if !rule.Value.IsPositive() {
			errs.Add(FieldRuleValue, "must be greater than 0")
		}
	case models.DiscountBuyXGetY:
		if rule.Value != nil && (rule.Value.IsNegative() || rule.Value.GreaterThan(hundred)) {
			errs.Add(FieldRuleValue, "must be between 0 and 100")
		}
	}

	if rule.Type == models.DiscountPercentage && rule.Value != nil && rule.Value.GreaterThan(hundred) {
		errs.Add(FieldRuleValue, msgPercentCeiling)
	}

	if rule.MaxDiscountAmount != nil {
		if rule.Type == models.DiscountCustomPrice {
			errs.Add(FieldRuleCap, "must be empty for CUSTOM_PRICE discounts")
		} else if !rule.MaxDiscountAmount.IsPositive() {
			errs.Add(FieldRuleCap, "must be greater than 0")
		}
	}

	if rule.MinOrderValue != nil && rule.MinOrderValue.IsNegative() {
		errs.Add(FieldRuleMinimum, "must be non-negative")
	}
}

func checkVolumeTiers(tiers []models.VolumeTier, errs Errors) {
	for i, tier := range tiers {
		if !tier.DiscountPercent.IsPositive() || tier.DiscountPercent.GreaterThan(hundred) {
			errs.Add(fmt.Sprintf("volume_tiers[%d].discount_percent", i), "must be greater than 0 and at most 100")
		}
		if i > 0 && tier.MinQuantity <= tiers[i-1].MinQuantity {
			errs.Add(FieldVolumeTiers, "must be sorted ascending by min_quantity without overlaps")
		}
	}
}
