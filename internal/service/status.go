package service

import (
	"context"

	"github.com/pkg/errors"
	zlog "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"bundle-pricing-api/internal/database"
	"bundle-pricing-api/internal/lifecycle"
	"bundle-pricing-api/internal/metrics"
	"bundle-pricing-api/internal/models"
	"bundle-pricing-api/internal/tracing"
)

// ChangeStatus moves a bundle to status to. A rejected transition returns a
// *lifecycle.InvalidTransitionError and the stored bundle is unchanged.
func (s *Service) ChangeStatus(ctx context.Context, shop, id string, to models.BundleStatus) (out models.Bundle, err error) {
	ctx, span := tracing.Start(ctx, "bundles.change_status",
		attribute.String("shop", shop),
		attribute.String("bundle_id", id),
		attribute.String("to", string(to)),
	)
	defer func() { endSpan(span, err) }()

	b, err := s.store.GetBundle(ctx, shop, id)
	if err != nil {
		return models.Bundle{}, errors.Wrapf(err, "get bundle %s", id)
	}

	from := b.Status
	if err := lifecycle.Apply(&b, to, s.now()); err != nil {
		metrics.StatusTransitions.WithLabelValues(string(to), "rejected").Inc()
		return models.Bundle{}, err
	}

	if err := s.store.UpdateBundleStatus(ctx, shop, id, from, b.Status, b.UpdatedAt); err != nil {
		if errors.Is(err, database.ErrStatusChanged) {
			metrics.StatusTransitions.WithLabelValues(string(to), "rejected").Inc()
			return models.Bundle{}, s.staleTransition(ctx, shop, id, to)
		}
		return models.Bundle{}, errors.Wrapf(err, "update status of bundle %s", id)
	}

	metrics.StatusTransitions.WithLabelValues(string(to), "applied").Inc()
	s.invalidateStorefront(ctx, shop)
	if s.eventsEnabled() {
		s.events.PublishStatusChanged(ctx, shop, id, from, b.Status)
	}
	zlog.Ctx(ctx).Info().
		Str("bundle_id", id).
		Str("from", string(from)).
		Str("to", string(b.Status)).
		Msg("bundle status changed")

	return b, nil
}

// staleTransition reports a status write that lost to a concurrent change,
// against whatever status the bundle holds now.
func (s *Service) staleTransition(ctx context.Context, shop, id string, to models.BundleStatus) error {
	latest, err := s.store.GetBundle(ctx, shop, id)
	if err != nil {
		return errors.Wrapf(err, "get bundle %s", id)
	}
	return &lifecycle.InvalidTransitionError{
		Current:   latest.Status,
		Requested: to,
		Reason:    "status changed concurrently",
	}
}

// BulkChangeStatus applies ChangeStatus to every id independently.
func (s *Service) BulkChangeStatus(ctx context.Context, shop string, ids []string, to models.BundleStatus) lifecycle.Results {
	return lifecycle.Bulk(ctx, ids, func(ctx context.Context, id string) error {
		_, err := s.ChangeStatus(ctx, shop, id, to)
		return err
	})
}

// BulkDelete deletes every id independently.
func (s *Service) BulkDelete(ctx context.Context, shop string, ids []string) lifecycle.Results {
	return lifecycle.Bulk(ctx, ids, func(ctx context.Context, id string) error {
		return s.DeleteBundle(ctx, shop, id)
	})
}

// ActivateDue moves every SCHEDULED bundle whose start date has passed to
// ACTIVE, across all shops. It returns how many were activated; a failure on
// one bundle is logged and does not stop the rest.
func (s *Service) ActivateDue(ctx context.Context) (activated int, err error) {
	ctx, span := tracing.Start(ctx, "bundles.activate_due")
	defer func() { endSpan(span, err) }()

	now := s.now()
	due, err := s.store.ListDueScheduled(ctx, now)
	if err != nil {
		return 0, errors.Wrap(err, "list due scheduled bundles")
	}

	logger := zlog.Ctx(ctx)
	for _, b := range due {
		if err := ctx.Err(); err != nil {
			return activated, err
		}
		if !lifecycle.IsDue(b, now) {
			continue
		}

		if err := lifecycle.Apply(&b, models.StatusActive, now); err != nil {
			logger.Warn().Err(err).Str("bundle_id", b.ID).Msg("scheduled bundle not activated")
			continue
		}
		if err := s.store.UpdateBundleStatus(ctx, b.Shop, b.ID, models.StatusScheduled, b.Status, b.UpdatedAt); err != nil {
			if errors.Is(err, database.ErrStatusChanged) || errors.Is(err, database.ErrNotFound) {
				logger.Info().Str("bundle_id", b.ID).Msg("scheduled bundle changed before activation")
				continue
			}
			logger.Error().Err(err).Str("bundle_id", b.ID).Msg("failed to activate scheduled bundle")
			continue
		}

		activated++
		metrics.ScheduledActivations.Inc()
		s.invalidateStorefront(ctx, b.Shop)
		if s.eventsEnabled() {
			s.events.PublishStatusChanged(ctx, b.Shop, b.ID, models.StatusScheduled, models.StatusActive)
		}
	}

	span.SetAttributes(attribute.Int("activated", activated))
	return activated, nil
}
