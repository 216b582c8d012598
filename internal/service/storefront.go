package service

import (
	"context"

	"github.com/pkg/errors"
	zlog "github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"bundle-pricing-api/internal/cache"
	"bundle-pricing-api/internal/features"
	"bundle-pricing-api/internal/metrics"
	"bundle-pricing-api/internal/models"
	"bundle-pricing-api/internal/pricing"
	"bundle-pricing-api/internal/tracing"
	"bundle-pricing-api/internal/validation"
)

// StorefrontOffer is a bundle as rendered by the product-page widget.
type StorefrontOffer struct {
	ID          string                     `json:"id"`
	Handle      string                     `json:"handle"`
	Name        string                     `json:"name"`
	Description *string                    `json:"description,omitempty"`
	Type        models.BundleType          `json:"type"`
	Products    []models.BundleProductLine `json:"products"`
	Quote       pricing.Quote              `json:"quote"`
	Formatted   FormattedQuote             `json:"formatted"`
}

// StorefrontBundles returns the ACTIVE bundles of a shop that contain the
// product and are inside their date window, and records a view for each.
func (s *Service) StorefrontBundles(ctx context.Context, shop, productID string) (offers []StorefrontOffer, err error) {
	if !s.features.IsEnabled(features.FeatureStorefrontWidget) {
		return nil, ErrFeatureDisabled
	}

	ctx, span := tracing.Start(ctx, "storefront.bundles",
		attribute.String("shop", shop),
		attribute.String("product_id", productID),
	)
	defer func() { endSpan(span, err) }()

	key := cache.StorefrontKey(shop, productID)
	cached := false
	if s.cacheEnabled() {
		if err := cache.GetJSON(ctx, s.cache, key, &offers); err == nil {
			cached = true
			metrics.StorefrontCache.WithLabelValues("hit").Inc()
		} else {
			metrics.StorefrontCache.WithLabelValues("miss").Inc()
		}
	}

	if !cached {
		if offers, err = s.buildOffers(ctx, shop, productID); err != nil {
			return nil, err
		}
		if s.cacheEnabled() {
			if err := cache.SetJSON(ctx, s.cache, key, offers, s.cacheTTL); err != nil {
				zlog.Ctx(ctx).Warn().Err(err).Str("shop", shop).Msg("storefront cache write failed")
			}
		}
	}

	ids := make([]string, len(offers))
	for i, o := range offers {
		ids[i] = o.ID
	}
	if err := s.store.RecordViews(ctx, ids); err != nil {
		zlog.Ctx(ctx).Warn().Err(err).Str("shop", shop).Msg("failed to record bundle views")
	}

	span.SetAttributes(attribute.Int("offers", len(offers)), attribute.Bool("cached", cached))
	return offers, nil
}

func (s *Service) buildOffers(ctx context.Context, shop, productID string) ([]StorefrontOffer, error) {
	bundles, err := s.store.ListActiveBundles(ctx, shop)
	if err != nil {
		return nil, errors.Wrap(err, "list active bundles")
	}

	now := s.now()
	offers := make([]StorefrontOffer, 0)
	for _, b := range bundles {
		if !b.ContainsProduct(productID) {
			continue
		}
		if b.StartDate != nil && b.StartDate.After(now) {
			continue
		}
		if b.EndDate != nil && !b.EndDate.After(now) {
			continue
		}

		quote, err := pricing.QuoteBundle(b)
		if err != nil {
			return nil, errors.Wrapf(err, "price bundle %s", b.ID)
		}
		formatted, err := s.formatQuote(ctx, shop, quote)
		if err != nil {
			return nil, err
		}

		offers = append(offers, StorefrontOffer{
			ID:          b.ID,
			Handle:      b.Handle,
			Name:        b.Name,
			Description: b.Description,
			Type:        b.Type,
			Products:    b.Lines,
			Quote:       quote,
			Formatted:   *formatted,
		})
	}
	return offers, nil
}

// RecordConversion adds one conversion and its revenue to a bundle's analytics.
func (s *Service) RecordConversion(ctx context.Context, shop, id string, revenue decimal.Decimal) (err error) {
	if !s.features.IsEnabled(features.FeatureStorefrontWidget) {
		return ErrFeatureDisabled
	}

	ctx, span := tracing.Start(ctx, "storefront.conversion",
		attribute.String("shop", shop),
		attribute.String("bundle_id", id),
	)
	defer func() { endSpan(span, err) }()

	if revenue.IsNegative() {
		errs := validation.Errors{}
		errs.Add("revenue", "must be greater than or equal to 0")
		return errs
	}

	if err := s.store.RecordConversion(ctx, shop, id, revenue); err != nil {
		return errors.Wrapf(err, "record conversion for bundle %s", id)
	}

	if s.eventsEnabled() {
		s.events.PublishConversion(ctx, shop, id, revenue.String())
	}
	return nil
}
