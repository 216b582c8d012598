package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"bundle-pricing-api/internal/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := NewDB(DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return db
}

func testBundle(shop, handle string, created time.Time) models.Bundle {
	value := decimal.NewFromInt(10)
	desc := "Two great products"
	buy := 2
	return models.Bundle{
		ID:           uuid.New().String(),
		Shop:         shop,
		Handle:       handle,
		Name:         "Summer Kit",
		Description:  &desc,
		Type:         models.BundleTypeFixed,
		DiscountRule: models.DiscountRule{Type: models.DiscountPercentage, Value: &value},
		Lines: []models.BundleProductLine{
			{ProductID: "gid://shopify/Product/1", Quantity: 1, Role: models.RoleIncluded, UnitPrice: decimal.RequireFromString("20.50")},
			{ProductID: "gid://shopify/Product/2", Quantity: 2, Role: models.RoleIncluded, UnitPrice: decimal.NewFromInt(30)},
		},
		BuyQuantity: &buy,
		Status:      models.StatusDraft,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func TestCreateAndGetBundle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 12, 30, 0, 123456000, time.UTC)

	b := testBundle("shop-a", "summer-kit", now)
	start := now.Add(48 * time.Hour)
	b.StartDate = &start

	if err := db.CreateBundle(ctx, b); err != nil {
		t.Fatalf("CreateBundle failed: %v", err)
	}

	got, err := db.GetBundle(ctx, "shop-a", b.ID)
	if err != nil {
		t.Fatalf("GetBundle failed: %v", err)
	}

	if got.Name != b.Name || got.Handle != b.Handle || got.Type != b.Type || got.Status != b.Status {
		t.Errorf("Unexpected bundle: %+v", got)
	}
	if got.Description == nil || *got.Description != *b.Description {
		t.Errorf("Expected description round trip, got %v", got.Description)
	}
	if len(got.Lines) != 2 || !got.Lines[0].UnitPrice.Equal(decimal.RequireFromString("20.50")) {
		t.Errorf("Unexpected lines: %+v", got.Lines)
	}
	if got.DiscountRule.Value == nil || !got.DiscountRule.Value.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Unexpected rule: %+v", got.DiscountRule)
	}
	if got.BuyQuantity == nil || *got.BuyQuantity != 2 || got.GetQuantity != nil {
		t.Errorf("Unexpected quantities: %v %v", got.BuyQuantity, got.GetQuantity)
	}
	if got.StartDate == nil || !got.StartDate.Equal(start) || got.EndDate != nil {
		t.Errorf("Unexpected dates: %v %v", got.StartDate, got.EndDate)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("Expected created_at %v, got %v", now, got.CreatedAt)
	}

	if _, err := db.GetBundle(ctx, "shop-b", b.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for another shop, got %v", err)
	}
}

func TestCreateBundle_DuplicateHandle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := db.CreateBundle(ctx, testBundle("shop-a", "kit", now)); err != nil {
		t.Fatalf("CreateBundle failed: %v", err)
	}

	err := db.CreateBundle(ctx, testBundle("shop-a", "kit", now))
	if !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict, got %v", err)
	}

	if err := db.CreateBundle(ctx, testBundle("shop-b", "kit", now)); err != nil {
		t.Errorf("Expected same handle in another shop to succeed, got %v", err)
	}

	exists, err := db.HandleExists(ctx, "shop-a", "kit", "")
	if err != nil || !exists {
		t.Errorf("Expected handle to exist, got %v %v", exists, err)
	}
}

func TestUpdateBundle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	b := testBundle("shop-a", "kit", now)
	if err := db.CreateBundle(ctx, b); err != nil {
		t.Fatalf("CreateBundle failed: %v", err)
	}

	b.Name = "Winter Kit"
	b.Handle = "winter-kit"
	b.Description = nil
	b.Lines = b.Lines[:1]
	b.UpdatedAt = now.Add(time.Minute)
	if err := db.UpdateBundle(ctx, b); err != nil {
		t.Fatalf("UpdateBundle failed: %v", err)
	}

	got, err := db.GetBundle(ctx, "shop-a", b.ID)
	if err != nil {
		t.Fatalf("GetBundle failed: %v", err)
	}
	if got.Name != "Winter Kit" || got.Handle != "winter-kit" || got.Description != nil || len(got.Lines) != 1 {
		t.Errorf("Update not applied: %+v", got)
	}

	b.ID = uuid.New().String()
	if err := db.UpdateBundle(ctx, b); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestUpdateBundleStatusAndDueScheduled(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	due := testBundle("shop-a", "due", now)
	past := now.Add(-time.Minute)
	due.StartDate = &past
	due.Status = models.StatusScheduled

	later := testBundle("shop-b", "later", now)
	future := now.Add(time.Hour)
	later.StartDate = &future
	later.Status = models.StatusScheduled

	for _, b := range []models.Bundle{due, later} {
		if err := db.CreateBundle(ctx, b); err != nil {
			t.Fatalf("CreateBundle failed: %v", err)
		}
	}

	bundles, err := db.ListDueScheduled(ctx, now)
	if err != nil {
		t.Fatalf("ListDueScheduled failed: %v", err)
	}
	if len(bundles) != 1 || bundles[0].ID != due.ID {
		t.Fatalf("Expected only the due bundle, got %+v", bundles)
	}

	if err := db.UpdateBundleStatus(ctx, "shop-a", due.ID, models.StatusScheduled, models.StatusActive, now); err != nil {
		t.Fatalf("UpdateBundleStatus failed: %v", err)
	}
	active, err := db.ListActiveBundles(ctx, "shop-a")
	if err != nil {
		t.Fatalf("ListActiveBundles failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != due.ID {
		t.Errorf("Expected activated bundle, got %+v", active)
	}

	if err := db.UpdateBundleStatus(ctx, "shop-b", due.ID, models.StatusActive, models.StatusPaused, now); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for another shop, got %v", err)
	}
}

func TestUpdateBundleStatus_StaleFrom(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	b := testBundle("shop-a", "racy", now)
	if err := db.CreateBundle(ctx, b); err != nil {
		t.Fatalf("CreateBundle failed: %v", err)
	}
	if err := db.UpdateBundleStatus(ctx, "shop-a", b.ID, b.Status, models.StatusArchived, now); err != nil {
		t.Fatalf("UpdateBundleStatus failed: %v", err)
	}

	// A second writer still holding the old status loses.
	err := db.UpdateBundleStatus(ctx, "shop-a", b.ID, b.Status, models.StatusActive, now)
	if !errors.Is(err, ErrStatusChanged) {
		t.Fatalf("Expected ErrStatusChanged, got %v", err)
	}

	// Content edits never touch the status column.
	b.Name = "Renamed"
	b.Status = models.StatusDraft
	if err := db.UpdateBundle(ctx, b); err != nil {
		t.Fatalf("UpdateBundle failed: %v", err)
	}

	got, err := db.GetBundle(ctx, "shop-a", b.ID)
	if err != nil {
		t.Fatalf("GetBundle failed: %v", err)
	}
	if got.Status != models.StatusArchived || got.Name != "Renamed" {
		t.Errorf("Expected renamed ARCHIVED bundle, got %s %q", got.Status, got.Name)
	}
}

func TestDeleteBundle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	b := testBundle("shop-a", "kit", time.Now().UTC())
	if err := db.CreateBundle(ctx, b); err != nil {
		t.Fatalf("CreateBundle failed: %v", err)
	}

	if err := db.DeleteBundle(ctx, "shop-b", b.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for another shop, got %v", err)
	}
	if err := db.DeleteBundle(ctx, "shop-a", b.ID); err != nil {
		t.Fatalf("DeleteBundle failed: %v", err)
	}
	if _, err := db.GetBundle(ctx, "shop-a", b.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected bundle to be gone, got %v", err)
	}

	stats, err := db.BundleStats(ctx, "shop-a")
	if err != nil {
		t.Fatalf("BundleStats failed: %v", err)
	}
	if len(stats) != 0 {
		t.Errorf("Expected analytics removed, got %+v", stats)
	}
}

func TestCountBundlesCreatedSince(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	offsets := []time.Duration{-2 * time.Minute, -50 * time.Second, -10 * time.Second, 0}
	for i, off := range offsets {
		b := testBundle("shop-a", uuid.New().String(), now.Add(off))
		b.Name = b.Name + string(rune('A'+i))
		if err := db.CreateBundle(ctx, b); err != nil {
			t.Fatalf("CreateBundle failed: %v", err)
		}
	}

	count, err := db.CountBundlesCreatedSince(ctx, "shop-a", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("CountBundlesCreatedSince failed: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 recent bundles, got %d", count)
	}

	count, err = db.CountBundlesCreatedSince(ctx, "shop-b", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountBundlesCreatedSince failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected 0 for another shop, got %d", count)
	}
}

func TestAnalytics(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	b := testBundle("shop-a", "kit", time.Now().UTC())
	if err := db.CreateBundle(ctx, b); err != nil {
		t.Fatalf("CreateBundle failed: %v", err)
	}

	if err := db.RecordViews(ctx, []string{b.ID, b.ID, uuid.New().String()}); err != nil {
		t.Fatalf("RecordViews failed: %v", err)
	}
	if err := db.RecordConversion(ctx, "shop-a", b.ID, decimal.RequireFromString("19.99")); err != nil {
		t.Fatalf("RecordConversion failed: %v", err)
	}
	if err := db.RecordConversion(ctx, "shop-a", b.ID, decimal.RequireFromString("0.01")); err != nil {
		t.Fatalf("RecordConversion failed: %v", err)
	}
	if err := db.RecordConversion(ctx, "shop-b", b.ID, decimal.NewFromInt(5)); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for another shop, got %v", err)
	}

	stats, err := db.BundleStats(ctx, "shop-a")
	if err != nil {
		t.Fatalf("BundleStats failed: %v", err)
	}
	s := stats[b.ID]
	if s.Views != 2 || s.Conversions != 2 || !s.Revenue.Equal(decimal.NewFromInt(20)) {
		t.Errorf("Unexpected stats: %+v", s)
	}
}

func TestShopSettings(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	s, err := db.ShopSettings(ctx, "shop-a")
	if err != nil {
		t.Fatalf("ShopSettings failed: %v", err)
	}
	if s != models.DefaultShopSettings("shop-a") {
		t.Errorf("Expected defaults, got %+v", s)
	}

	saved := models.ShopSettings{
		Shop:              "shop-a",
		MaxBundleProducts: 4,
		Currency:          "EUR",
		Locale:            "de-DE",
		UpdatedAt:         time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := db.UpsertShopSettings(ctx, saved); err != nil {
		t.Fatalf("UpsertShopSettings failed: %v", err)
	}
	saved.MaxBundleProducts = 6
	if err := db.UpsertShopSettings(ctx, saved); err != nil {
		t.Fatalf("UpsertShopSettings failed: %v", err)
	}

	got, err := db.ShopSettings(ctx, "shop-a")
	if err != nil {
		t.Fatalf("ShopSettings failed: %v", err)
	}
	if got.MaxBundleProducts != 6 || got.Currency != "EUR" || got.Locale != "de-DE" || !got.UpdatedAt.Equal(saved.UpdatedAt) {
		t.Errorf("Unexpected settings: %+v", got)
	}
}

func TestRebind(t *testing.T) {
	pg := &DB{driver: DriverPostgres}
	if got := pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"); got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Errorf("Unexpected rebind: %s", got)
	}

	lite := &DB{driver: DriverSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("Expected sqlite query unchanged, got %s", got)
	}
}

func TestNewDB_UnknownDriver(t *testing.T) {
	if _, err := NewDB("oracle", "x"); err == nil {
		t.Error("Expected error for unknown driver")
	}
}
