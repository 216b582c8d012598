package validation

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"bundle-pricing-api/internal/models"
)

var (
	productGIDRegex = regexp.MustCompile(`^gid://shopify/Product/[0-9]+$`)
	variantGIDRegex = regexp.MustCompile(`^gid://shopify/ProductVariant/[0-9]+$`)
)

// RuleSource supplies the external reads needed by business-rule validation.
type RuleSource interface {
	ShopSettings(ctx context.Context, shop string) (models.ShopSettings, error)
	CountBundlesCreatedSince(ctx context.Context, shop string, since time.Time) (int, error)
}

// BusinessRules are the configurable limits applied in phase 2.
type BusinessRules struct {
	MaxFixedDiscount decimal.Decimal
	CreationLimit    int
	CreationWindow   time.Duration
}

// DefaultBusinessRules returns the stock limits.
func DefaultBusinessRules() BusinessRules {
	return BusinessRules{
		MaxFixedDiscount: decimal.NewFromInt(10000),
		CreationLimit:    5,
		CreationWindow:   time.Minute,
	}
}

// Options tune a validation run.
type Options struct {
	// CheckCreationRate enables the per-shop creation guard; set it for creates only.
	CheckCreationRate bool
}

// Validator runs the schema, business-rule and security phases.
type Validator struct {
	source RuleSource
	rules  BusinessRules
	now    func() time.Time
}

// NewValidator creates a validator reading shop state from source.
func NewValidator(source RuleSource, rules BusinessRules) *Validator {
	return &Validator{
		source: source,
		rules:  rules,
		now:    time.Now,
	}
}

// WithClock overrides the clock used for the creation window.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Validate runs all three phases and merges their errors. The returned error is
// non-nil only when a collaborator read failed.
func (v *Validator) Validate(ctx context.Context, b models.Bundle, shop string, opts Options) (Result, error) {
	schema := ValidateSchema(b)
	normalized := Normalize(b)

	business, err := v.ValidateBusinessRules(ctx, normalized, shop, opts)
	if err != nil {
		return Result{}, err
	}

	security, err := v.ValidateSecurity(ctx, normalized, shop, opts)
	if err != nil {
		return Result{}, err
	}

	errs := Errors{}
	errs.Merge(schema.Errors)
	errs.Merge(business.Errors)
	errs.Merge(security.Errors)

	return newResult(errs, &normalized), nil
}

// ValidateBusinessRules checks type structure and shop-level limits.
func (v *Validator) ValidateBusinessRules(ctx context.Context, b models.Bundle, shop string, opts Options) (Result, error) {
	errs := Errors{}

	switch b.Type {
	case models.BundleTypeVolumeDiscount:
		if len(b.VolumeTiers) == 0 {
			errs.Add(FieldVolumeTiers, "at least one volume tier is required for VOLUME_DISCOUNT bundles")
		}
	case models.BundleTypeBuyXGetY, models.BundleTypeBOGO:
		var triggers, rewards int
		for _, line := range b.Lines {
			switch line.EffectiveRole() {
			case models.RoleTrigger:
				triggers++
			case models.RoleReward:
				rewards++
			}
		}
		if triggers == 0 {
			errs.Add(FieldProducts, fmt.Sprintf("at least one TRIGGER product is required for %s bundles", b.Type))
		}
		if rewards == 0 {
			errs.Add(FieldProducts, fmt.Sprintf("at least one REWARD product is required for %s bundles", b.Type))
		}
		if b.BuyQuantity == nil {
			errs.Add(FieldBuyQuantity, fmt.Sprintf("is required for %s bundles", b.Type))
		}
		if b.GetQuantity == nil {
			errs.Add(FieldGetQuantity, fmt.Sprintf("is required for %s bundles", b.Type))
		}
	}

	settings, err := v.source.ShopSettings(ctx, shop)
	if err != nil {
		return Result{}, &InfrastructureError{Op: "load shop settings", Err: err}
	}
	if limit := settings.MaxBundleProducts; limit > 0 && limit < MaxBundleLines && len(b.Lines) > limit {
		errs.Add(FieldProducts, fmt.Sprintf("cannot contain more than %d products for this shop", limit))
	}

	rule := b.DiscountRule
	if rule.Value != nil {
		switch rule.Type {
		case models.DiscountPercentage:
			if rule.Value.GreaterThan(hundred) {
				errs.Add(FieldRuleValue, msgPercentCeiling)
			}
		case models.DiscountFixedAmount:
			if v.rules.MaxFixedDiscount.IsPositive() && rule.Value.GreaterThan(v.rules.MaxFixedDiscount) {
				errs.Add(FieldRuleValue, fmt.Sprintf("fixed discount cannot exceed %s", v.rules.MaxFixedDiscount))
			}
		}
	}

	if opts.CheckCreationRate {
		if err := v.checkCreationRate(ctx, shop, errs); err != nil {
			return Result{}, err
		}
	}

	return newResult(errs, &b), nil
}

// ValidateSecurity checks catalog identifier shapes and re-applies the
// duplicate and creation-rate guards.
func (v *Validator) ValidateSecurity(ctx context.Context, b models.Bundle, shop string, opts Options) (Result, error) {
	errs := Errors{}

	for i, line := range b.Lines {
		if !productGIDRegex.MatchString(line.ProductID) {
			errs.Add(fmt.Sprintf("products[%d].product_id", i), "must be a Shopify product id (gid://shopify/Product/<id>)")
		}
		if line.VariantID != nil && !variantGIDRegex.MatchString(*line.VariantID) {
			errs.Add(fmt.Sprintf("products[%d].variant_id", i), "must be a Shopify variant id (gid://shopify/ProductVariant/<id>)")
		}
	}
	checkDuplicateLines(b.Lines, errs)

	if opts.CheckCreationRate {
		if err := v.checkCreationRate(ctx, shop, errs); err != nil {
			return Result{}, err
		}
	}

	return newResult(errs, &b), nil
}

// checkCreationRate is a fixed-window check-then-act guard. Two concurrent
// creates for one shop can both pass it before either commits.
func (v *Validator) checkCreationRate(ctx context.Context, shop string, errs Errors) error {
	if v.rules.CreationLimit <= 0 || v.rules.CreationWindow <= 0 {
		return nil
	}

	since := v.now().Add(-v.rules.CreationWindow)
	count, err := v.source.CountBundlesCreatedSince(ctx, shop, since)
	if err != nil {
		return &InfrastructureError{Op: "count recent bundles", Err: err}
	}

	if count >= v.rules.CreationLimit {
		errs.Add(FieldRateLimit, fmt.Sprintf("no more than %d bundles can be created within %s", v.rules.CreationLimit, v.rules.CreationWindow))
	}
	return nil
}
