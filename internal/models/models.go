package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BundleType is the merchandising shape of a bundle.
type BundleType string

const (
	BundleTypeFixed          BundleType = "FIXED_BUNDLE"
	BundleTypeBuyXGetY       BundleType = "BUY_X_GET_Y"
	BundleTypeBOGO           BundleType = "BOGO"
	BundleTypeVolumeDiscount BundleType = "VOLUME_DISCOUNT"
	BundleTypeMixMatch       BundleType = "MIX_MATCH"
	BundleTypeCrossSell      BundleType = "CROSS_SELL"
	BundleTypeTiered         BundleType = "TIERED"
	BundleTypeFlashSale      BundleType = "FLASH_SALE"
	BundleTypeGift           BundleType = "GIFT"
)

// BundleStatus is the lifecycle state of a bundle.
type BundleStatus string

const (
	StatusDraft     BundleStatus = "DRAFT"
	StatusActive    BundleStatus = "ACTIVE"
	StatusPaused    BundleStatus = "PAUSED"
	StatusScheduled BundleStatus = "SCHEDULED"
	StatusArchived  BundleStatus = "ARCHIVED"
)

// LineRole is the part a product line plays inside a bundle.
type LineRole string

const (
	RoleIncluded LineRole = "INCLUDED"
	RoleOptional LineRole = "OPTIONAL"
	RoleTrigger  LineRole = "TRIGGER"
	RoleReward   LineRole = "REWARD"
)

// DiscountType selects how a discount rule is priced.
type DiscountType string

const (
	DiscountPercentage     DiscountType = "PERCENTAGE"
	DiscountFixedAmount    DiscountType = "FIXED_AMOUNT"
	DiscountCustomPrice    DiscountType = "CUSTOM_PRICE"
	DiscountFreeShipping   DiscountType = "FREE_SHIPPING"
	DiscountNone           DiscountType = "NO_DISCOUNT"
	DiscountBuyXGetY       DiscountType = "BUY_X_GET_Y"
	DiscountQuantityBreaks DiscountType = "QUANTITY_BREAKS"
)

// BundleProductLine is one product (and optional variant) inside a bundle.
type BundleProductLine struct {
	ProductID string          `json:"product_id" validate:"required"`
	VariantID *string         `json:"variant_id,omitempty"`
	Quantity  int             `json:"quantity" validate:"min=1"`
	Role      LineRole        `json:"role,omitempty" validate:"omitempty,oneof=INCLUDED OPTIONAL TRIGGER REWARD"`
	UnitPrice decimal.Decimal `json:"unit_price"` // snapshot, re-resolved at checkout
}

// EffectiveRole returns the line role, treating an empty role as INCLUDED.
func (l BundleProductLine) EffectiveRole() LineRole {
	if l.Role == "" {
		return RoleIncluded
	}
	return l.Role
}

// LineKey identifies a line by product and variant for duplicate detection.
func (l BundleProductLine) LineKey() string {
	if l.VariantID == nil || *l.VariantID == "" {
		return l.ProductID
	}
	return l.ProductID + "/" + *l.VariantID
}

// DiscountRule is the pricing strategy applied to a bundle's line total.
type DiscountRule struct {
	Type              DiscountType     `json:"type" validate:"required,oneof=PERCENTAGE FIXED_AMOUNT CUSTOM_PRICE FREE_SHIPPING NO_DISCOUNT BUY_X_GET_Y QUANTITY_BREAKS"`
	Value             *decimal.Decimal `json:"value,omitempty"`
	MaxDiscountAmount *decimal.Decimal `json:"max_discount_amount,omitempty"`
	MinOrderValue     *decimal.Decimal `json:"min_order_value,omitempty"`
}

// ValueOrZero returns the rule value or zero when unset.
func (r DiscountRule) ValueOrZero() decimal.Decimal {
	if r.Value == nil {
		return decimal.Zero
	}
	return *r.Value
}

// VolumeTier is a quantity break for volume discounts.
type VolumeTier struct {
	MinQuantity     int             `json:"min_quantity" validate:"min=1"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
}

// Bundle is a merchant-defined grouping of products sold together.
type Bundle struct {
	ID           string              `json:"id"`
	Shop         string              `json:"shop"`
	Handle       string              `json:"handle"`
	Name         string              `json:"name" validate:"required,max=100"`
	Description  *string             `json:"description,omitempty" validate:"omitempty,max=500"`
	Type         BundleType          `json:"type" validate:"required,oneof=FIXED_BUNDLE BUY_X_GET_Y BOGO VOLUME_DISCOUNT MIX_MATCH CROSS_SELL TIERED FLASH_SALE GIFT"`
	DiscountRule DiscountRule        `json:"discount_rule"`
	Lines        []BundleProductLine `json:"products" validate:"required,min=1,max=10,dive"`
	VolumeTiers  []VolumeTier        `json:"volume_tiers,omitempty" validate:"omitempty,dive"`
	BuyQuantity  *int                `json:"buy_quantity,omitempty" validate:"omitempty,min=1"`
	GetQuantity  *int                `json:"get_quantity,omitempty" validate:"omitempty,min=1"`
	Status       BundleStatus        `json:"status"`
	StartDate    *time.Time          `json:"start_date,omitempty"`
	EndDate      *time.Time          `json:"end_date,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// ContainsProduct reports whether any line references the given product.
func (b Bundle) ContainsProduct(productID string) bool {
	for _, line := range b.Lines {
		if line.ProductID == productID {
			return true
		}
	}
	return false
}

// Optional fields a patch can reset through BundlePatch.Clear.
const (
	ClearDescription   = "description"
	ClearStartDate     = "start_date"
	ClearEndDate       = "end_date"
	ClearMaxDiscount   = "discount_rule.max_discount_amount"
	ClearMinOrderValue = "discount_rule.min_order_value"
)

// BundlePatch is a partial update; nil fields are left untouched. Clear names
// optional fields to unset, since a JSON null cannot be told apart from an
// absent field.
type BundlePatch struct {
	Name         *string              `json:"name,omitempty"`
	Description  *string              `json:"description,omitempty"`
	DiscountRule *DiscountRule        `json:"discount_rule,omitempty"`
	Lines        *[]BundleProductLine `json:"products,omitempty"`
	VolumeTiers  *[]VolumeTier        `json:"volume_tiers,omitempty"`
	BuyQuantity  *int                 `json:"buy_quantity,omitempty"`
	GetQuantity  *int                 `json:"get_quantity,omitempty"`
	StartDate    *time.Time           `json:"start_date,omitempty"`
	EndDate      *time.Time           `json:"end_date,omitempty"`
	Clear        []string             `json:"clear,omitempty"`
}

// BundleStats are the analytics counters owned by the storefront side.
type BundleStats struct {
	Views       int64           `json:"views"`
	Conversions int64           `json:"conversions"`
	Revenue     decimal.Decimal `json:"revenue"`
}

// BundleListItem is the read projection used by listing screens.
type BundleListItem struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Type           BundleType      `json:"type"`
	Status         BundleStatus    `json:"status"`
	Views          int64           `json:"views"`
	Conversions    int64           `json:"conversions"`
	Revenue        decimal.Decimal `json:"revenue"`
	ConversionRate float64         `json:"conversion_rate"`
	ProductCount   int             `json:"product_count"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ShopSettings are the per-shop knobs read during business-rule validation.
type ShopSettings struct {
	Shop              string    `json:"shop"`
	MaxBundleProducts int       `json:"max_bundle_products"`
	Currency          string    `json:"currency"`
	Locale            string    `json:"locale"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Shop setting defaults applied when a shop has not saved its own.
const (
	DefaultMaxBundleProducts = 10
	DefaultCurrency          = "USD"
	DefaultLocale            = "en-US"
)

// DefaultShopSettings returns the settings used for shops without a saved row.
func DefaultShopSettings(shop string) ShopSettings {
	return ShopSettings{
		Shop:              shop,
		MaxBundleProducts: DefaultMaxBundleProducts,
		Currency:          DefaultCurrency,
		Locale:            DefaultLocale,
	}
}

// StatusChangeRequest is the body for single status changes.
type StatusChangeRequest struct {
	Status BundleStatus `json:"status"`
}

// BulkStatusRequest is the body for bulk status changes.
type BulkStatusRequest struct {
	IDs    []string     `json:"ids"`
	Status BundleStatus `json:"status"`
}

// BulkDeleteRequest is the body for bulk deletes.
type BulkDeleteRequest struct {
	IDs []string `json:"ids"`
}

// ConversionRequest records a storefront purchase of a bundle.
type ConversionRequest struct {
	Revenue decimal.Decimal `json:"revenue"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
