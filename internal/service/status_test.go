package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"bundle-pricing-api/internal/database"
	"bundle-pricing-api/internal/lifecycle"
	"bundle-pricing-api/internal/models"
	"bundle-pricing-api/internal/validation"
)

// interleavingStore runs a concurrent write once, right after the service
// has read the bundle it is about to change.
type interleavingStore struct {
	*database.DB
	once  sync.Once
	write func(ctx context.Context, b models.Bundle)
}

func (s *interleavingStore) GetBundle(ctx context.Context, shop, id string) (models.Bundle, error) {
	b, err := s.DB.GetBundle(ctx, shop, id)
	if err == nil {
		s.once.Do(func() { s.write(ctx, b) })
	}
	return b, err
}

func (s *interleavingStore) ListDueScheduled(ctx context.Context, now time.Time) ([]models.Bundle, error) {
	due, err := s.DB.ListDueScheduled(ctx, now)
	if err == nil && len(due) > 0 {
		s.once.Do(func() { s.write(ctx, due[0]) })
	}
	return due, err
}

func (e *testEnv) interleaved(t *testing.T, write func(ctx context.Context, b models.Bundle)) *Service {
	t.Helper()
	store := &interleavingStore{DB: e.db, write: write}
	return NewService(store, e.cache, e.events, e.flags, Config{
		Rules:    validation.DefaultBusinessRules(),
		CacheTTL: time.Minute,
	}).WithClock(func() time.Time { return e.now })
}

func (e *testEnv) archiveConcurrently(t *testing.T) func(ctx context.Context, b models.Bundle) {
	return func(ctx context.Context, b models.Bundle) {
		if err := e.db.UpdateBundleStatus(ctx, b.Shop, b.ID, b.Status, models.StatusArchived, e.now); err != nil {
			t.Errorf("Concurrent archive failed: %v", err)
		}
	}
}

func (e *testEnv) storedStatus(t *testing.T, id string) models.BundleStatus {
	t.Helper()
	b, err := e.db.GetBundle(context.Background(), testShop, id)
	if err != nil {
		t.Fatalf("Failed to load bundle: %v", err)
	}
	return b.Status
}

func TestUpdateBundle_KeepsConcurrentArchive(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()

	created, err := env.svc.CreateBundle(ctx, testShop, newBundle("Racing"))
	if err != nil {
		t.Fatalf("Failed to create bundle: %v", err)
	}

	svc := env.interleaved(t, env.archiveConcurrently(t))
	name := "Renamed"
	out, err := svc.UpdateBundle(ctx, testShop, created.Bundle.ID, models.BundlePatch{Name: &name})
	if err != nil {
		t.Fatalf("Failed to update bundle: %v", err)
	}

	if got := env.storedStatus(t, created.Bundle.ID); got != models.StatusArchived {
		t.Errorf("Expected stored status ARCHIVED, got %s", got)
	}
	if out.Bundle.Status != models.StatusArchived || out.Bundle.Name != "Renamed" {
		t.Errorf("Expected renamed ARCHIVED bundle in response, got %s %q", out.Bundle.Status, out.Bundle.Name)
	}
}

func TestChangeStatus_LosesToConcurrentArchive(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()

	created, err := env.svc.CreateBundle(ctx, testShop, newBundle("Racing"))
	if err != nil {
		t.Fatalf("Failed to create bundle: %v", err)
	}

	svc := env.interleaved(t, env.archiveConcurrently(t))
	_, err = svc.ChangeStatus(ctx, testShop, created.Bundle.ID, models.StatusActive)

	var terr *lifecycle.InvalidTransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("Expected InvalidTransitionError, got %v", err)
	}
	if terr.Current != models.StatusArchived || terr.Requested != models.StatusActive {
		t.Errorf("Unexpected error fields: %+v", terr)
	}
	if got := env.storedStatus(t, created.Bundle.ID); got != models.StatusArchived {
		t.Errorf("Expected stored status ARCHIVED, got %s", got)
	}
}

func TestActivateDue_SkipsConcurrentArchive(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()

	b := newBundle("Scheduled")
	start := env.now.Add(time.Hour)
	b.StartDate = &start
	created, err := env.svc.CreateBundle(ctx, testShop, b)
	if err != nil {
		t.Fatalf("Failed to create bundle: %v", err)
	}
	if _, err := env.svc.ChangeStatus(ctx, testShop, created.Bundle.ID, models.StatusScheduled); err != nil {
		t.Fatalf("Failed to schedule: %v", err)
	}

	env.now = start.Add(time.Second)
	svc := env.interleaved(t, env.archiveConcurrently(t))
	n, err := svc.ActivateDue(ctx)
	if err != nil || n != 0 {
		t.Fatalf("Expected no activation, got %d, %v", n, err)
	}
	if got := env.storedStatus(t, created.Bundle.ID); got != models.StatusArchived {
		t.Errorf("Expected stored status ARCHIVED, got %s", got)
	}
}

func TestUpdateBundle_ClearFields(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()

	b := newBundle("Clearable")
	desc := "Limited run"
	start := env.now.Add(time.Hour)
	end := env.now.Add(48 * time.Hour)
	limit := decimal.NewFromInt(3)
	b.Description = &desc
	b.StartDate = &start
	b.EndDate = &end
	b.DiscountRule.MaxDiscountAmount = &limit

	created, err := env.svc.CreateBundle(ctx, testShop, b)
	if err != nil {
		t.Fatalf("Failed to create bundle: %v", err)
	}
	if !created.Quote.DiscountAmount.Equal(limit) {
		t.Fatalf("Expected capped discount 3, got %s", created.Quote.DiscountAmount)
	}

	out, err := env.svc.UpdateBundle(ctx, testShop, created.Bundle.ID, models.BundlePatch{
		Clear: []string{models.ClearDescription, models.ClearStartDate, models.ClearEndDate, models.ClearMaxDiscount},
	})
	if err != nil {
		t.Fatalf("Failed to update bundle: %v", err)
	}
	if out.Bundle.Description != nil || out.Bundle.StartDate != nil || out.Bundle.EndDate != nil {
		t.Errorf("Expected optional fields cleared, got %+v", out.Bundle)
	}
	if !out.Quote.DiscountAmount.Equal(decimal.NewFromInt(5)) {
		t.Errorf("Expected uncapped discount 5, got %s", out.Quote.DiscountAmount)
	}

	stored, err := env.db.GetBundle(ctx, testShop, created.Bundle.ID)
	if err != nil {
		t.Fatalf("Failed to load bundle: %v", err)
	}
	if stored.Description != nil || stored.EndDate != nil || stored.DiscountRule.MaxDiscountAmount != nil {
		t.Errorf("Expected cleared fields persisted, got %+v", stored)
	}

	_, err = env.svc.UpdateBundle(ctx, testShop, created.Bundle.ID, models.BundlePatch{
		Description: &desc,
		Clear:       []string{models.ClearDescription, "name"},
	})
	var verrs validation.Errors
	if !errors.As(err, &verrs) || !verrs.Has("clear") || len(verrs["clear"].Messages) != 2 {
		t.Errorf("Expected two clear errors, got %v", err)
	}
}
