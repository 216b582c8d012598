package validation

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bundle-pricing-api/internal/models"
)

type fakeRuleSource struct {
	settings    models.ShopSettings
	recent      int
	settingsErr error
	countErr    error
	countCalls  int
}

func (f *fakeRuleSource) ShopSettings(ctx context.Context, shop string) (models.ShopSettings, error) {
	if f.settingsErr != nil {
		return models.ShopSettings{}, f.settingsErr
	}
	if f.settings.Shop == "" {
		return models.DefaultShopSettings(shop), nil
	}
	return f.settings, nil
}

func (f *fakeRuleSource) CountBundlesCreatedSince(ctx context.Context, shop string, since time.Time) (int, error) {
	f.countCalls++
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.recent, nil
}

func dp(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

func strp(s string) *string {
	return &s
}

func intp(i int) *int {
	return &i
}

func productLine(n int) models.BundleProductLine {
	return models.BundleProductLine{
		ProductID: fmt.Sprintf("gid://shopify/Product/%d", n),
		Quantity:  1,
		UnitPrice: decimal.NewFromInt(10),
	}
}

func validBundle() models.Bundle {
	return models.Bundle{
		Name:         "Summer Kit",
		Type:         models.BundleTypeFixed,
		DiscountRule: models.DiscountRule{Type: models.DiscountPercentage, Value: dp("10")},
		Lines:        []models.BundleProductLine{productLine(1), productLine(2)},
	}
}

func TestValidateSchema_Valid(t *testing.T) {
	res := ValidateSchema(validBundle())
	if !res.Valid {
		t.Fatalf("Expected valid bundle, got errors: %v", res.Errors)
	}
	if res.Data == nil || res.Data.Lines[0].Role != models.RoleIncluded {
		t.Errorf("Expected normalized data with default role, got %+v", res.Data)
	}
}

func TestValidateSchema_Failures(t *testing.T) {
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)

	tests := []struct {
		name   string
		mutate func(b *models.Bundle)
		field  string
	}{
		{"blank name", func(b *models.Bundle) { b.Name = "   " }, "name"},
		{"long name", func(b *models.Bundle) { b.Name = strings.Repeat("a", 101) }, "name"},
		{"unknown type", func(b *models.Bundle) { b.Type = "MYSTERY" }, "type"},
		{"no products", func(b *models.Bundle) { b.Lines = nil }, "products"},
		{"zero quantity", func(b *models.Bundle) { b.Lines[0].Quantity = 0 }, "products[0].quantity"},
		{"negative price", func(b *models.Bundle) { b.Lines[1].UnitPrice = decimal.NewFromInt(-1) }, "products[1].unit_price"},
		{"duplicate line", func(b *models.Bundle) { b.Lines[1] = b.Lines[0] }, "products"},
		{"missing value", func(b *models.Bundle) { b.DiscountRule.Value = nil }, "discount_rule.value"},
		{"zero value", func(b *models.Bundle) { b.DiscountRule.Value = dp("0") }, "discount_rule.value"},
		{"percentage over 100", func(b *models.Bundle) { b.DiscountRule.Value = dp("150") }, "discount_rule.value"},
		{"cap on custom price", func(b *models.Bundle) {
			b.DiscountRule = models.DiscountRule{Type: models.DiscountCustomPrice, Value: dp("20"), MaxDiscountAmount: dp("5")}
		}, "discount_rule.max_discount_amount"},
		{"negative minimum", func(b *models.Bundle) { b.DiscountRule.MinOrderValue = dp("-1") }, "discount_rule.min_order_value"},
		{"end before start", func(b *models.Bundle) { b.StartDate = &start; b.EndDate = &end }, "end_date"},
		{"unordered tiers", func(b *models.Bundle) {
			b.VolumeTiers = []models.VolumeTier{
				{MinQuantity: 5, DiscountPercent: decimal.NewFromInt(10)},
				{MinQuantity: 5, DiscountPercent: decimal.NewFromInt(20)},
			}
		}, "volume_tiers"},
		{"unknown role", func(b *models.Bundle) { b.Lines[0].Role = "BONUS" }, "products[0].role"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := validBundle()
			tt.mutate(&b)

			res := ValidateSchema(b)
			if res.Valid {
				t.Fatal("Expected invalid bundle")
			}
			if !res.Errors.Has(tt.field) {
				t.Errorf("Expected error on %q, got %v", tt.field, res.Errors)
			}
			if res.Data != nil {
				t.Error("Expected no data on invalid result")
			}
		})
	}
}

func TestValidateSchema_TooManyProducts(t *testing.T) {
	b := validBundle()
	b.Lines = nil
	for i := 1; i <= 11; i++ {
		b.Lines = append(b.Lines, productLine(i))
	}

	res := ValidateSchema(b)
	if res.Valid {
		t.Fatal("Expected 11 products to be rejected")
	}
	if !res.Errors.Has(FieldProducts) {
		t.Errorf("Expected products error, got %v", res.Errors)
	}
}

func TestValidateSchema_DescriptionTrimmed(t *testing.T) {
	b := validBundle()
	b.Name = "  Trimmed  "
	b.Description = strp("   ")

	res := ValidateSchema(b)
	if !res.Valid {
		t.Fatalf("Expected valid, got %v", res.Errors)
	}
	if res.Data.Name != "Trimmed" {
		t.Errorf("Expected trimmed name, got %q", res.Data.Name)
	}
	if res.Data.Description != nil {
		t.Errorf("Expected blank description to be dropped")
	}
}

func TestValidateBusinessRules(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		source *fakeRuleSource
		mutate func(b *models.Bundle)
		field  string
	}{
		{
			name:   "volume discount without tiers",
			source: &fakeRuleSource{},
			mutate: func(b *models.Bundle) { b.Type = models.BundleTypeVolumeDiscount },
			field:  FieldVolumeTiers,
		},
		{
			name:   "buy x get y without roles",
			source: &fakeRuleSource{},
			mutate: func(b *models.Bundle) {
				b.Type = models.BundleTypeBuyXGetY
				b.BuyQuantity = intp(1)
				b.GetQuantity = intp(1)
			},
			field: FieldProducts,
		},
		{
			name:   "bogo without quantities",
			source: &fakeRuleSource{},
			mutate: func(b *models.Bundle) {
				b.Type = models.BundleTypeBOGO
				b.Lines[0].Role = models.RoleTrigger
				b.Lines[1].Role = models.RoleReward
			},
			field: FieldBuyQuantity,
		},
		{
			name:   "shop product limit",
			source: &fakeRuleSource{settings: models.ShopSettings{Shop: "s", MaxBundleProducts: 1}},
			mutate: func(b *models.Bundle) {},
			field:  FieldProducts,
		},
		{
			name:   "fixed amount ceiling",
			source: &fakeRuleSource{},
			mutate: func(b *models.Bundle) {
				b.DiscountRule = models.DiscountRule{Type: models.DiscountFixedAmount, Value: dp("10000.01")}
			},
			field: FieldRuleValue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator(tt.source, DefaultBusinessRules())
			b := validBundle()
			tt.mutate(&b)

			res, err := v.ValidateBusinessRules(ctx, Normalize(b), "s", Options{})
			if err != nil {
				t.Fatalf("ValidateBusinessRules failed: %v", err)
			}
			if res.Valid {
				t.Fatal("Expected invalid bundle")
			}
			if !res.Errors.Has(tt.field) {
				t.Errorf("Expected error on %q, got %v", tt.field, res.Errors)
			}
		})
	}
}

func TestValidateBusinessRules_BuyXGetYValid(t *testing.T) {
	v := NewValidator(&fakeRuleSource{}, DefaultBusinessRules())
	b := validBundle()
	b.Type = models.BundleTypeBuyXGetY
	b.DiscountRule = models.DiscountRule{Type: models.DiscountBuyXGetY}
	b.Lines[0].Role = models.RoleTrigger
	b.Lines[1].Role = models.RoleReward
	b.BuyQuantity = intp(2)
	b.GetQuantity = intp(1)

	res, err := v.Validate(context.Background(), b, "s", Options{CheckCreationRate: true})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !res.Valid {
		t.Errorf("Expected valid, got %v", res.Errors)
	}
}

func TestValidate_CreationRate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeRuleSource{recent: 5}
	v := NewValidator(source, DefaultBusinessRules()).WithClock(func() time.Time { return now })

	res, err := v.Validate(context.Background(), validBundle(), "s", Options{CheckCreationRate: true})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !res.Errors.Has(FieldRateLimit) {
		t.Fatalf("Expected rate_limit error, got %v", res.Errors)
	}
	if n := len(res.Errors[FieldRateLimit].Messages); n != 1 {
		t.Errorf("Expected merged duplicate message, got %d", n)
	}

	// Updates skip the guard.
	source.countCalls = 0
	res, err = v.Validate(context.Background(), validBundle(), "s", Options{})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !res.Valid {
		t.Errorf("Expected valid without rate check, got %v", res.Errors)
	}
	if source.countCalls != 0 {
		t.Errorf("Expected no count reads, got %d", source.countCalls)
	}

	source.recent = 4
	res, err = v.Validate(context.Background(), validBundle(), "s", Options{CheckCreationRate: true})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !res.Valid {
		t.Errorf("Expected 4 recent bundles to pass, got %v", res.Errors)
	}
}

func TestValidate_InfrastructureError(t *testing.T) {
	boom := errors.New("connection refused")
	v := NewValidator(&fakeRuleSource{settingsErr: boom}, DefaultBusinessRules())

	_, err := v.Validate(context.Background(), validBundle(), "s", Options{})

	var infraErr *InfrastructureError
	if !errors.As(err, &infraErr) {
		t.Fatalf("Expected InfrastructureError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Error("Expected wrapped cause")
	}
}

func TestValidateSecurity_ProductIDs(t *testing.T) {
	v := NewValidator(&fakeRuleSource{}, DefaultBusinessRules())
	b := validBundle()
	b.Lines[0].ProductID = "12345"
	b.Lines[1].VariantID = strp("gid://shopify/Product/9")

	res, err := v.ValidateSecurity(context.Background(), b, "s", Options{})
	if err != nil {
		t.Fatalf("ValidateSecurity failed: %v", err)
	}
	if !res.Errors.Has("products[0].product_id") {
		t.Errorf("Expected product id error, got %v", res.Errors)
	}
	if !res.Errors.Has("products[1].variant_id") {
		t.Errorf("Expected variant id error, got %v", res.Errors)
	}
}

func TestValidate_Idempotent(t *testing.T) {
	v := NewValidator(&fakeRuleSource{recent: 7}, DefaultBusinessRules())
	b := validBundle()
	b.Name = ""
	b.Lines = append(b.Lines, b.Lines[0])
	b.Lines[1].ProductID = "bad"

	first, err := v.Validate(context.Background(), b, "s", Options{CheckCreationRate: true})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	second, err := v.Validate(context.Background(), b, "s", Options{CheckCreationRate: true})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Errorf("Expected identical results:\n%v\n%v", first.Errors, second.Errors)
	}
}

func TestValidateUUID(t *testing.T) {
	if err := ValidateUUID("", "id"); err == nil {
		t.Error("Expected error for empty id")
	}
	if err := ValidateUUID("not-a-uuid", "id"); err == nil {
		t.Error("Expected error for malformed id")
	}
	if err := ValidateUUID("3f1b7c9e-2a4d-4e8f-9b6a-1c2d3e4f5a6b", "id"); err != nil {
		t.Errorf("Expected valid uuid, got %v", err)
	}
}
