package events

import (
	"context"
	"sync"
	"time"

	zlog "github.com/rs/zerolog/log"

	"bundle-pricing-api/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	// EventBundleCreated is emitted after a bundle is persisted
	EventBundleCreated EventType = "bundle.created"
	// EventBundleUpdated is emitted after a partial update
	EventBundleUpdated EventType = "bundle.updated"
	// EventBundleDeleted is emitted after a bundle is removed
	EventBundleDeleted EventType = "bundle.deleted"
	// EventBundleStatusChanged is emitted for every successful status transition
	EventBundleStatusChanged EventType = "bundle.status_changed"
	// EventBundleConverted is emitted when the storefront reports a purchase
	EventBundleConverted EventType = "bundle.converted"
)

// AllEventTypes lists every type the service publishes.
var AllEventTypes = []EventType{
	EventBundleCreated,
	EventBundleUpdated,
	EventBundleDeleted,
	EventBundleStatusChanged,
	EventBundleConverted,
}

// Event represents an event in the system.
type Event struct {
	Type      EventType   `json:"type"`
	Shop      string      `json:"shop"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// BundleData carries the bundle for created and updated events.
type BundleData struct {
	Bundle models.Bundle `json:"bundle"`
}

// BundleDeletedData identifies a removed bundle.
type BundleDeletedData struct {
	BundleID string `json:"bundle_id"`
}

// StatusChangedData describes a transition.
type StatusChangedData struct {
	BundleID string              `json:"bundle_id"`
	From     models.BundleStatus `json:"from"`
	To       models.BundleStatus `json:"to"`
}

// ConversionData describes a storefront purchase.
type ConversionData struct {
	BundleID string `json:"bundle_id"`
	Revenue  string `json:"revenue"`
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager manages event handlers and event publishing.
type Manager struct {
	mu       sync.RWMutex
	wg       sync.WaitGroup
	handlers map[EventType][]Handler
	enabled  bool
}

// NewManager creates a new event manager.
func NewManager(enabled bool) *Manager {
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
	}
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	if !m.enabled {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// SubscribeAll subscribes a handler to every published event type.
func (m *Manager) SubscribeAll(handler Handler) {
	for _, t := range AllEventTypes {
		m.Subscribe(t, handler)
	}
}

// Publish publishes an event to all subscribed handlers. Handlers run in
// their own goroutines and outlive the caller's cancellation.
func (m *Manager) Publish(ctx context.Context, eventType EventType, shop string, data interface{}) {
	m.mu.RLock()
	enabled := m.enabled
	handlers := m.handlers[eventType]
	m.mu.RUnlock()

	if !enabled || len(handlers) == 0 {
		return
	}

	event := Event{
		Type:      eventType,
		Shop:      shop,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	hctx := context.WithoutCancel(ctx)
	for _, handler := range handlers {
		m.wg.Add(1)
		go func(h Handler) {
			defer m.wg.Done()
			if err := h(hctx, event); err != nil {
				zlog.Ctx(hctx).Error().Err(err).
					Str("event", string(event.Type)).
					Str("shop", event.Shop).
					Msg("event handler failed")
			}
		}(handler)
	}
}

// PublishBundleCreated publishes a bundle created event.
func (m *Manager) PublishBundleCreated(ctx context.Context, b models.Bundle) {
	m.Publish(ctx, EventBundleCreated, b.Shop, BundleData{Bundle: b})
}

// PublishBundleUpdated publishes a bundle updated event.
func (m *Manager) PublishBundleUpdated(ctx context.Context, b models.Bundle) {
	m.Publish(ctx, EventBundleUpdated, b.Shop, BundleData{Bundle: b})
}

// PublishBundleDeleted publishes a bundle deleted event.
func (m *Manager) PublishBundleDeleted(ctx context.Context, shop, bundleID string) {
	m.Publish(ctx, EventBundleDeleted, shop, BundleDeletedData{BundleID: bundleID})
}

// PublishStatusChanged publishes a status transition.
func (m *Manager) PublishStatusChanged(ctx context.Context, shop, bundleID string, from, to models.BundleStatus) {
	m.Publish(ctx, EventBundleStatusChanged, shop, StatusChangedData{
		BundleID: bundleID,
		From:     from,
		To:       to,
	})
}

// PublishConversion publishes a storefront conversion.
func (m *Manager) PublishConversion(ctx context.Context, shop, bundleID, revenue string) {
	m.Publish(ctx, EventBundleConverted, shop, ConversionData{BundleID: bundleID, Revenue: revenue})
}

// Wait blocks until every in-flight handler has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown stops accepting events and waits for running handlers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
	m.mu.Unlock()

	m.wg.Wait()
}
