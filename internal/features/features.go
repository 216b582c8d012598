package features

import (
	"fmt"
	"sort"
	"sync"
)

// Predefined feature flag names
const (
	// FeatureCacheEnabled enables/disables caching of settings and storefront responses
	FeatureCacheEnabled = "cache_enabled"
	// FeatureEventHooksEnabled enables/disables publishing bundle events
	FeatureEventHooksEnabled = "event_hooks_enabled"
	// FeatureStorefrontWidget enables the public storefront endpoints
	FeatureStorefrontWidget = "storefront_widget"
	// FeatureScheduledActivation enables the SCHEDULED to ACTIVE activation job
	FeatureScheduledActivation = "scheduled_activation"
)

// FeatureFlag represents a feature flag configuration.
type FeatureFlag struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
}

var defaults = []FeatureFlag{
	{Name: FeatureCacheEnabled, Enabled: true, Description: "Cache shop settings and storefront responses"},
	{Name: FeatureEventHooksEnabled, Enabled: true, Description: "Publish bundle lifecycle events"},
	{Name: FeatureStorefrontWidget, Enabled: true, Description: "Serve bundle offers to the storefront widget"},
	{Name: FeatureScheduledActivation, Enabled: true, Description: "Activate scheduled bundles once their start date passes"},
}

// Manager manages feature flags.
type Manager struct {
	mu    sync.RWMutex
	flags map[string]FeatureFlag
}

// NewManager creates a new feature flag manager.
func NewManager() *Manager {
	return &Manager{
		flags: make(map[string]FeatureFlag),
	}
}

// RegisterDefaults registers the predefined flags, applying overrides by name.
func (m *Manager) RegisterDefaults(overrides map[string]bool) {
	for _, f := range defaults {
		if v, ok := overrides[f.Name]; ok {
			f.Enabled = v
		}
		m.Register(f.Name, f.Enabled, f.Description)
	}
}

// Register registers a new feature flag.
func (m *Manager) Register(name string, enabled bool, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flags[name] = FeatureFlag{
		Name:        name,
		Enabled:     enabled,
		Description: description,
	}
}

// IsEnabled checks if a feature flag is enabled. Unknown flags are disabled.
func (m *Manager) IsEnabled(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.flags[name].Enabled
}

// Set toggles a registered flag.
func (m *Manager) Set(name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	flag, exists := m.flags[name]
	if !exists {
		return fmt.Errorf("unknown feature flag %q", name)
	}
	flag.Enabled = enabled
	m.flags[name] = flag
	return nil
}

// Snapshot returns every flag sorted by name.
func (m *Manager) Snapshot() []FeatureFlag {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]FeatureFlag, 0, len(m.flags))
	for _, f := range m.flags {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
