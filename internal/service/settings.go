package service

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	zlog "github.com/rs/zerolog/log"

	"bundle-pricing-api/internal/cache"
	"bundle-pricing-api/internal/models"
	"bundle-pricing-api/internal/money"
	"bundle-pricing-api/internal/pricing"
	"bundle-pricing-api/internal/validation"
)

// GetSettings returns the shop's settings, served from the cache when enabled.
func (s *Service) GetSettings(ctx context.Context, shop string) (models.ShopSettings, error) {
	key := cache.ShopSettingsKey(shop)

	if s.cacheEnabled() {
		var settings models.ShopSettings
		err := cache.GetJSON(ctx, s.cache, key, &settings)
		if err == nil {
			return settings, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			zlog.Ctx(ctx).Warn().Err(err).Str("shop", shop).Msg("settings cache read failed")
		}
	}

	settings, err := s.store.ShopSettings(ctx, shop)
	if err != nil {
		return models.ShopSettings{}, errors.Wrap(err, "load shop settings")
	}

	if s.cacheEnabled() {
		if err := cache.SetJSON(ctx, s.cache, key, settings, s.cacheTTL); err != nil {
			zlog.Ctx(ctx).Warn().Err(err).Str("shop", shop).Msg("settings cache write failed")
		}
	}
	return settings, nil
}

// UpdateSettings validates and saves the shop's settings. Invalid input is
// returned as validation.Errors.
func (s *Service) UpdateSettings(ctx context.Context, shop string, in models.ShopSettings) (models.ShopSettings, error) {
	in.Shop = shop
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	in.Locale = strings.TrimSpace(in.Locale)
	if in.Currency == "" {
		in.Currency = models.DefaultCurrency
	}
	if in.Locale == "" {
		in.Locale = models.DefaultLocale
	}

	errs := validation.Errors{}
	if in.MaxBundleProducts < 1 || in.MaxBundleProducts > validation.MaxBundleLines {
		errs.Add("max_bundle_products", "must be between 1 and 10")
	}
	if _, err := money.NewFormatter(in.Currency, in.Locale); err != nil {
		if _, cerr := money.ParseCurrency(in.Currency); cerr != nil {
			errs.Add("currency", "must be an ISO 4217 currency code")
		} else {
			errs.Add("locale", "must be a BCP 47 language tag")
		}
	}
	if len(errs) > 0 {
		return models.ShopSettings{}, errs
	}

	in.UpdatedAt = s.now()
	if err := s.store.UpsertShopSettings(ctx, in); err != nil {
		return models.ShopSettings{}, errors.Wrap(err, "save shop settings")
	}

	if s.cacheEnabled() {
		if err := s.cache.Delete(ctx, cache.ShopSettingsKey(shop)); err != nil {
			zlog.Ctx(ctx).Warn().Err(err).Str("shop", shop).Msg("failed to invalidate settings cache")
		}
	}
	// Formatted storefront prices depend on currency and locale.
	s.invalidateStorefront(ctx, shop)

	return in, nil
}

// formatQuote renders a quote in the shop's currency and locale.
func (s *Service) formatQuote(ctx context.Context, shop string, q pricing.Quote) (*FormattedQuote, error) {
	settings, err := s.GetSettings(ctx, shop)
	if err != nil {
		return nil, err
	}

	f, err := money.NewFormatter(settings.Currency, settings.Locale)
	if err != nil {
		zlog.Ctx(ctx).Warn().Err(err).Str("shop", shop).Msg("invalid shop currency settings")
		if f, err = money.NewFormatter(models.DefaultCurrency, models.DefaultLocale); err != nil {
			return nil, errors.Wrap(err, "build default formatter")
		}
	}

	return &FormattedQuote{
		Currency:       f.Currency(),
		BundlePrice:    f.Format(q.BundlePrice),
		DiscountAmount: f.Format(q.DiscountAmount),
		FinalPrice:     f.Format(q.FinalPrice),
	}, nil
}
