package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"bundle-pricing-api/internal/models"
)

var now = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

func TestCanTransition(t *testing.T) {
	future := now.Add(24 * time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name    string
		from    models.BundleStatus
		to      models.BundleStatus
		start   *time.Time
		wantErr bool
	}{
		{"draft to active", models.StatusDraft, models.StatusActive, nil, false},
		{"active to paused", models.StatusActive, models.StatusPaused, nil, false},
		{"paused to active", models.StatusPaused, models.StatusActive, nil, false},
		{"draft to archived", models.StatusDraft, models.StatusArchived, nil, false},
		{"scheduled to archived", models.StatusScheduled, models.StatusArchived, nil, false},
		{"draft to scheduled with future start", models.StatusDraft, models.StatusScheduled, &future, false},
		{"draft to scheduled without start", models.StatusDraft, models.StatusScheduled, nil, true},
		{"active to scheduled with past start", models.StatusActive, models.StatusScheduled, &past, true},
		{"scheduled to active after start", models.StatusScheduled, models.StatusActive, &past, false},
		{"scheduled to active before start", models.StatusScheduled, models.StatusActive, &future, true},
		{"scheduled to paused", models.StatusScheduled, models.StatusPaused, &past, true},
		{"archived to active", models.StatusArchived, models.StatusActive, nil, true},
		{"archived to draft", models.StatusArchived, models.StatusDraft, nil, true},
		{"paused to draft", models.StatusPaused, models.StatusDraft, nil, true},
		{"same state", models.StatusActive, models.StatusActive, nil, true},
		{"unknown target", models.StatusDraft, "DELETED", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CanTransition(tt.from, tt.to, tt.start, now)
			if tt.wantErr {
				var transErr *InvalidTransitionError
				if !errors.As(err, &transErr) {
					t.Fatalf("Expected InvalidTransitionError, got %v", err)
				}
				if transErr.Current != tt.from || transErr.Requested != tt.to {
					t.Errorf("Expected %s -> %s in error, got %s -> %s", tt.from, tt.to, transErr.Current, transErr.Requested)
				}
				return
			}
			if err != nil {
				t.Errorf("Expected transition to be allowed, got %v", err)
			}
		})
	}
}

func TestApply_ArchivedToActiveLeavesStatus(t *testing.T) {
	b := models.Bundle{ID: "b1", Status: models.StatusArchived}

	err := Apply(&b, models.StatusActive, now)

	var transErr *InvalidTransitionError
	if !errors.As(err, &transErr) {
		t.Fatalf("Expected InvalidTransitionError, got %v", err)
	}
	if transErr.Current != models.StatusArchived || transErr.Requested != models.StatusActive {
		t.Errorf("Unexpected error states: %+v", transErr)
	}
	if b.Status != models.StatusArchived {
		t.Errorf("Expected status to stay ARCHIVED, got %s", b.Status)
	}
	if !b.UpdatedAt.IsZero() {
		t.Error("Expected UpdatedAt untouched")
	}
}

func TestApply_Success(t *testing.T) {
	b := models.Bundle{ID: "b1", Status: models.StatusDraft}

	if err := Apply(&b, models.StatusActive, now); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if b.Status != models.StatusActive {
		t.Errorf("Expected ACTIVE, got %s", b.Status)
	}
	if !b.UpdatedAt.Equal(now) {
		t.Errorf("Expected UpdatedAt %v, got %v", now, b.UpdatedAt)
	}
}

func TestIsDue(t *testing.T) {
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	if !IsDue(models.Bundle{Status: models.StatusScheduled, StartDate: &past}, now) {
		t.Error("Expected past start to be due")
	}
	if IsDue(models.Bundle{Status: models.StatusScheduled, StartDate: &future}, now) {
		t.Error("Expected future start not to be due")
	}
	if IsDue(models.Bundle{Status: models.StatusPaused, StartDate: &past}, now) {
		t.Error("Expected non-scheduled bundle not to be due")
	}
}

func TestBulk_PartialSuccess(t *testing.T) {
	statuses := map[string]models.BundleStatus{
		"a": models.StatusDraft,
		"b": models.StatusArchived,
		"c": models.StatusPaused,
	}

	calls := 0
	results := Bulk(context.Background(), []string{"a", "b", "c", "missing", "a"}, func(ctx context.Context, id string) error {
		calls++
		current, ok := statuses[id]
		if !ok {
			return errors.New("bundle not found")
		}
		b := models.Bundle{ID: id, Status: current}
		return Apply(&b, models.StatusActive, now)
	})

	if calls != 4 {
		t.Errorf("Expected 4 calls for 4 distinct ids, got %d", calls)
	}
	if len(results) != 4 {
		t.Fatalf("Expected 4 results, got %d", len(results))
	}
	if !results["a"].Success || !results["c"].Success {
		t.Errorf("Expected a and c to succeed: %+v", results)
	}
	if results["b"].Success || results["b"].Error == "" {
		t.Errorf("Expected b to fail with message: %+v", results["b"])
	}
	if results["missing"].Success {
		t.Error("Expected missing to fail")
	}
	if results.Succeeded() != 2 || results.Failed() != 2 {
		t.Errorf("Expected 2/2, got %d/%d", results.Succeeded(), results.Failed())
	}
}

func TestBulk_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := Bulk(ctx, []string{"a", "b"}, func(ctx context.Context, id string) error {
		t.Fatal("fn should not run after cancellation")
		return nil
	})

	if results.Failed() != 2 {
		t.Errorf("Expected both ids to fail, got %+v", results)
	}
}
