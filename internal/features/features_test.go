package features

import "testing"

func TestRegisterDefaults(t *testing.T) {
	m := NewManager()
	m.RegisterDefaults(map[string]bool{FeatureStorefrontWidget: false})

	if !m.IsEnabled(FeatureCacheEnabled) {
		t.Error("Expected cache flag enabled by default")
	}
	if m.IsEnabled(FeatureStorefrontWidget) {
		t.Error("Expected override to disable storefront widget")
	}
	if m.IsEnabled("unknown") {
		t.Error("Expected unknown flag disabled")
	}

	snap := m.Snapshot()
	if len(snap) != 4 {
		t.Fatalf("Expected 4 flags, got %d", len(snap))
	}
	if snap[0].Name != FeatureCacheEnabled {
		t.Errorf("Expected sorted snapshot, got %s first", snap[0].Name)
	}
}

func TestSet(t *testing.T) {
	m := NewManager()
	m.Register(FeatureEventHooksEnabled, false, "events")

	if err := m.Set(FeatureEventHooksEnabled, true); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if !m.IsEnabled(FeatureEventHooksEnabled) {
		t.Error("Expected flag enabled")
	}

	if err := m.Set("missing", true); err == nil {
		t.Error("Expected error for unknown flag")
	}
}
