package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/pkg/errors"
	zlog "github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"bundle-pricing-api/internal/cache"
	"bundle-pricing-api/internal/events"
	"bundle-pricing-api/internal/features"
	"bundle-pricing-api/internal/listing"
	"bundle-pricing-api/internal/metrics"
	"bundle-pricing-api/internal/models"
	"bundle-pricing-api/internal/pricing"
	"bundle-pricing-api/internal/tracing"
	"bundle-pricing-api/internal/validation"
)

// Store is the persistence the service needs. *database.DB implements it.
type Store interface {
	validation.RuleSource

	CreateBundle(ctx context.Context, b models.Bundle) error
	UpdateBundle(ctx context.Context, b models.Bundle) error
	UpdateBundleStatus(ctx context.Context, shop, id string, from, to models.BundleStatus, updatedAt time.Time) error
	GetBundle(ctx context.Context, shop, id string) (models.Bundle, error)
	DeleteBundle(ctx context.Context, shop, id string) error
	ListBundles(ctx context.Context, shop string) ([]models.Bundle, error)
	ListActiveBundles(ctx context.Context, shop string) ([]models.Bundle, error)
	ListDueScheduled(ctx context.Context, now time.Time) ([]models.Bundle, error)
	HandleExists(ctx context.Context, shop, handle, excludeID string) (bool, error)
	BundleStats(ctx context.Context, shop string) (map[string]models.BundleStats, error)
	RecordViews(ctx context.Context, ids []string) error
	RecordConversion(ctx context.Context, shop, id string, revenue decimal.Decimal) error
	UpsertShopSettings(ctx context.Context, s models.ShopSettings) error
}

// ErrFeatureDisabled is returned when an operation is switched off by a feature flag.
var ErrFeatureDisabled = errors.New("feature disabled")

// Config holds the service tunables.
type Config struct {
	Rules    validation.BusinessRules
	CacheTTL time.Duration
}

// Service provides business logic for the bundle API.
type Service struct {
	store     Store
	cache     cache.Cache
	events    *events.Manager
	features  *features.Manager
	validator *validation.Validator
	cacheTTL  time.Duration
	now       func() time.Time
}

// NewService creates a new service instance.
func NewService(store Store, c cache.Cache, ev *events.Manager, flags *features.Manager, cfg Config) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}

	s := &Service{
		store:    store,
		cache:    c,
		events:   ev,
		features: flags,
		cacheTTL: cfg.CacheTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
	// Business rules read shop settings through the cache.
	s.validator = validation.NewValidator(ruleSource{s}, cfg.Rules).WithClock(s.clock)
	return s
}

// WithClock replaces the service clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) clock() time.Time {
	return s.now()
}

type ruleSource struct {
	s *Service
}

func (r ruleSource) ShopSettings(ctx context.Context, shop string) (models.ShopSettings, error) {
	return r.s.GetSettings(ctx, shop)
}

func (r ruleSource) CountBundlesCreatedSince(ctx context.Context, shop string, since time.Time) (int, error) {
	return r.s.store.CountBundlesCreatedSince(ctx, shop, since)
}

// FormattedQuote is a quote rendered in the shop's currency and locale.
type FormattedQuote struct {
	Currency       string `json:"currency"`
	BundlePrice    string `json:"bundle_price"`
	DiscountAmount string `json:"discount_amount"`
	FinalPrice     string `json:"final_price"`
}

// PreviewResult is the outcome of validating and pricing a candidate bundle.
type PreviewResult struct {
	Valid     bool              `json:"valid"`
	Errors    validation.Errors `json:"errors,omitempty"`
	Quote     *pricing.Quote    `json:"quote,omitempty"`
	Formatted *FormattedQuote   `json:"formatted,omitempty"`
}

// BundleWithQuote is a persisted bundle and its current price.
type BundleWithQuote struct {
	Bundle models.Bundle `json:"bundle"`
	Quote  pricing.Quote `json:"quote"`
}

func endSpan(span trace.Span, err error) {
	tracing.RecordError(span, err)
	span.End()
}

// Preview validates a candidate bundle and prices it without persisting.
func (s *Service) Preview(ctx context.Context, shop string, b models.Bundle) (res PreviewResult, err error) {
	ctx, span := tracing.Start(ctx, "bundles.preview", attribute.String("shop", shop))
	defer func() { endSpan(span, err) }()

	result, err := s.validator.Validate(ctx, b, shop, validation.Options{})
	if err != nil {
		return PreviewResult{}, errors.Wrap(err, "validate bundle")
	}
	if !result.Valid {
		metrics.ValidationFailures.WithLabelValues("preview").Inc()
		return PreviewResult{Valid: false, Errors: result.Errors}, nil
	}

	quote, err := pricing.QuoteBundle(*result.Data)
	if err != nil {
		return PreviewResult{}, errors.Wrap(err, "price bundle")
	}

	formatted, err := s.formatQuote(ctx, shop, quote)
	if err != nil {
		return PreviewResult{}, err
	}

	return PreviewResult{Valid: true, Quote: &quote, Formatted: formatted}, nil
}

// CreateBundle validates and persists a new DRAFT bundle. Validation failures
// are returned as validation.Errors.
func (s *Service) CreateBundle(ctx context.Context, shop string, b models.Bundle) (out BundleWithQuote, err error) {
	ctx, span := tracing.Start(ctx, "bundles.create", attribute.String("shop", shop))
	defer func() { endSpan(span, err) }()

	result, err := s.validator.Validate(ctx, b, shop, validation.Options{CheckCreationRate: true})
	if err != nil {
		return BundleWithQuote{}, errors.Wrap(err, "validate bundle")
	}
	if !result.Valid {
		metrics.ValidationFailures.WithLabelValues("create").Inc()
		return BundleWithQuote{}, result.Errors
	}

	bundle := *result.Data
	now := s.now()
	bundle.ID = uuid.New().String()
	bundle.Shop = shop
	bundle.Status = models.StatusDraft
	bundle.CreatedAt = now
	bundle.UpdatedAt = now

	if bundle.Handle, err = s.uniqueHandle(ctx, shop, bundle.Name, bundle.ID); err != nil {
		return BundleWithQuote{}, err
	}

	quote, err := pricing.QuoteBundle(bundle)
	if err != nil {
		return BundleWithQuote{}, errors.Wrap(err, "price bundle")
	}

	if err := s.store.CreateBundle(ctx, bundle); err != nil {
		return BundleWithQuote{}, errors.Wrap(err, "create bundle")
	}

	metrics.BundlesCreated.Inc()
	zlog.Ctx(ctx).Info().Str("bundle_id", bundle.ID).Str("handle", bundle.Handle).Msg("bundle created")
	if s.eventsEnabled() {
		s.events.PublishBundleCreated(ctx, bundle)
	}

	return BundleWithQuote{Bundle: bundle, Quote: quote}, nil
}

// UpdateBundle applies a partial update and revalidates the merged bundle.
// Status is never changed here.
func (s *Service) UpdateBundle(ctx context.Context, shop, id string, patch models.BundlePatch) (out BundleWithQuote, err error) {
	ctx, span := tracing.Start(ctx, "bundles.update", attribute.String("shop", shop), attribute.String("bundle_id", id))
	defer func() { endSpan(span, err) }()

	current, err := s.store.GetBundle(ctx, shop, id)
	if err != nil {
		return BundleWithQuote{}, errors.Wrapf(err, "get bundle %s", id)
	}

	merged, perrs := applyPatch(current, patch)
	if len(perrs) > 0 {
		metrics.ValidationFailures.WithLabelValues("update").Inc()
		return BundleWithQuote{}, perrs
	}

	result, err := s.validator.Validate(ctx, merged, shop, validation.Options{})
	if err != nil {
		return BundleWithQuote{}, errors.Wrap(err, "validate bundle")
	}
	if !result.Valid {
		metrics.ValidationFailures.WithLabelValues("update").Inc()
		return BundleWithQuote{}, result.Errors
	}

	bundle := *result.Data
	bundle.UpdatedAt = s.now()
	if bundle.Name != current.Name {
		if bundle.Handle, err = s.uniqueHandle(ctx, shop, bundle.Name, bundle.ID); err != nil {
			return BundleWithQuote{}, err
		}
	}

	quote, err := pricing.QuoteBundle(bundle)
	if err != nil {
		return BundleWithQuote{}, errors.Wrap(err, "price bundle")
	}

	if err := s.store.UpdateBundle(ctx, bundle); err != nil {
		return BundleWithQuote{}, errors.Wrapf(err, "update bundle %s", id)
	}
	// The status column is not part of the edit and may have moved meanwhile.
	if stored, err := s.store.GetBundle(ctx, shop, id); err == nil {
		bundle.Status = stored.Status
	}

	s.invalidateStorefront(ctx, shop)
	if s.eventsEnabled() {
		s.events.PublishBundleUpdated(ctx, bundle)
	}

	return BundleWithQuote{Bundle: bundle, Quote: quote}, nil
}

func applyPatch(b models.Bundle, p models.BundlePatch) (models.Bundle, validation.Errors) {
	if p.Name != nil {
		b.Name = *p.Name
	}
	if p.Description != nil {
		b.Description = p.Description
	}
	if p.DiscountRule != nil {
		b.DiscountRule = *p.DiscountRule
	}
	if p.Lines != nil {
		b.Lines = *p.Lines
	}
	if p.VolumeTiers != nil {
		b.VolumeTiers = *p.VolumeTiers
	}
	if p.BuyQuantity != nil {
		b.BuyQuantity = p.BuyQuantity
	}
	if p.GetQuantity != nil {
		b.GetQuantity = p.GetQuantity
	}
	if p.StartDate != nil {
		b.StartDate = p.StartDate
	}
	if p.EndDate != nil {
		b.EndDate = p.EndDate
	}

	errs := validation.Errors{}
	rule := p.DiscountRule
	for _, field := range p.Clear {
		var alsoSet bool
		switch field {
		case models.ClearDescription:
			alsoSet = p.Description != nil
			b.Description = nil
		case models.ClearStartDate:
			alsoSet = p.StartDate != nil
			b.StartDate = nil
		case models.ClearEndDate:
			alsoSet = p.EndDate != nil
			b.EndDate = nil
		case models.ClearMaxDiscount:
			alsoSet = rule != nil && rule.MaxDiscountAmount != nil
			b.DiscountRule.MaxDiscountAmount = nil
		case models.ClearMinOrderValue:
			alsoSet = rule != nil && rule.MinOrderValue != nil
			b.DiscountRule.MinOrderValue = nil
		default:
			errs.Add("clear", fmt.Sprintf("%q cannot be cleared", field))
			continue
		}
		if alsoSet {
			errs.Add("clear", fmt.Sprintf("%q is both set and cleared", field))
		}
	}
	return b, errs
}

// GetBundle returns a bundle and its current price.
func (s *Service) GetBundle(ctx context.Context, shop, id string) (BundleWithQuote, error) {
	b, err := s.store.GetBundle(ctx, shop, id)
	if err != nil {
		return BundleWithQuote{}, errors.Wrapf(err, "get bundle %s", id)
	}

	quote, err := pricing.QuoteBundle(b)
	if err != nil {
		return BundleWithQuote{}, errors.Wrapf(err, "price bundle %s", id)
	}
	return BundleWithQuote{Bundle: b, Quote: quote}, nil
}

// DeleteBundle removes a bundle and its analytics.
func (s *Service) DeleteBundle(ctx context.Context, shop, id string) (err error) {
	ctx, span := tracing.Start(ctx, "bundles.delete", attribute.String("shop", shop), attribute.String("bundle_id", id))
	defer func() { endSpan(span, err) }()

	if err := s.store.DeleteBundle(ctx, shop, id); err != nil {
		return errors.Wrapf(err, "delete bundle %s", id)
	}

	s.invalidateStorefront(ctx, shop)
	if s.eventsEnabled() {
		s.events.PublishBundleDeleted(ctx, shop, id)
	}
	zlog.Ctx(ctx).Info().Str("bundle_id", id).Msg("bundle deleted")
	return nil
}

// ListBundles projects the shop's bundles with their analytics and applies
// the filter, sort and pagination in q.
func (s *Service) ListBundles(ctx context.Context, shop string, q listing.Query) (page listing.Page, err error) {
	ctx, span := tracing.Start(ctx, "bundles.list", attribute.String("shop", shop))
	defer func() { endSpan(span, err) }()

	bundles, err := s.store.ListBundles(ctx, shop)
	if err != nil {
		return listing.Page{}, errors.Wrap(err, "list bundles")
	}
	stats, err := s.store.BundleStats(ctx, shop)
	if err != nil {
		return listing.Page{}, errors.Wrap(err, "load bundle analytics")
	}

	items := make([]models.BundleListItem, 0, len(bundles))
	for _, b := range bundles {
		item, err := listing.Project(b, stats[b.ID])
		if err != nil {
			return listing.Page{}, errors.Wrapf(err, "project bundle %s", b.ID)
		}
		items = append(items, item)
	}

	return listing.Run(items, q), nil
}

// uniqueHandle slugs name and appends -1, -2, ... until the handle is free
// within the shop.
func (s *Service) uniqueHandle(ctx context.Context, shop, name, excludeID string) (string, error) {
	base := slug.Make(name)
	if base == "" {
		base = "bundle"
	}

	result := base
	for i := 1; ; i++ {
		exists, err := s.store.HandleExists(ctx, shop, result, excludeID)
		if err != nil {
			return "", errors.Wrap(err, "check handle")
		}
		if !exists {
			return result, nil
		}
		result = fmt.Sprintf("%s-%d", base, i)
	}
}

func (s *Service) eventsEnabled() bool {
	return s.events != nil && s.features.IsEnabled(features.FeatureEventHooksEnabled)
}

func (s *Service) cacheEnabled() bool {
	return s.cache != nil && s.features.IsEnabled(features.FeatureCacheEnabled)
}

// invalidateStorefront drops every cached storefront response of a shop.
// Failures are logged; the entries expire on their own.
func (s *Service) invalidateStorefront(ctx context.Context, shop string) {
	if !s.cacheEnabled() {
		return
	}
	if err := s.cache.DeletePrefix(ctx, cache.StorefrontPrefix(shop)); err != nil {
		zlog.Ctx(ctx).Warn().Err(err).Str("shop", shop).Msg("failed to invalidate storefront cache")
	}
}
