// Package lifecycle holds the bundle status state machine.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"bundle-pricing-api/internal/models"
)

var transitions = map[models.BundleStatus][]models.BundleStatus{
	models.StatusDraft:     {models.StatusActive, models.StatusScheduled, models.StatusArchived},
	models.StatusActive:    {models.StatusPaused, models.StatusScheduled, models.StatusArchived},
	models.StatusPaused:    {models.StatusActive, models.StatusScheduled, models.StatusArchived},
	models.StatusScheduled: {models.StatusActive, models.StatusArchived},
	models.StatusArchived:  {},
}

// InvalidTransitionError rejects a status change. The bundle keeps its current status.
type InvalidTransitionError struct {
	Current   models.BundleStatus `json:"current"`
	Requested models.BundleStatus `json:"requested"`
	Reason    string              `json:"reason,omitempty"`
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("cannot change bundle status from %s to %s", e.Current, e.Requested)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// IsKnown reports whether s is one of the defined statuses.
func IsKnown(s models.BundleStatus) bool {
	_, ok := transitions[s]
	return ok
}

// Allowed lists the statuses reachable from s, ignoring date preconditions.
func Allowed(s models.BundleStatus) []models.BundleStatus {
	next := transitions[s]
	out := make([]models.BundleStatus, len(next))
	copy(out, next)
	return out
}

// CanTransition checks whether a bundle in status from may move to status to.
// Moving to SCHEDULED needs a start date in the future; leaving SCHEDULED for
// ACTIVE needs the start date to have passed.
func CanTransition(from, to models.BundleStatus, startDate *time.Time, now time.Time) error {
	reject := func(reason string) error {
		return &InvalidTransitionError{Current: from, Requested: to, Reason: reason}
	}

	if !IsKnown(to) {
		return reject("unknown status")
	}
	if from == to {
		return reject("bundle already has this status")
	}

	legal := false
	for _, next := range transitions[from] {
		if next == to {
			legal = true
			break
		}
	}
	if !legal {
		return reject("")
	}

	switch {
	case to == models.StatusScheduled:
		if startDate == nil || !startDate.After(now) {
			return reject("a future start_date is required")
		}
	case from == models.StatusScheduled && to == models.StatusActive:
		if startDate != nil && startDate.After(now) {
			return reject("start_date has not been reached")
		}
	}

	return nil
}

// Apply moves b to status to, or returns the transition error and leaves b untouched.
func Apply(b *models.Bundle, to models.BundleStatus, now time.Time) error {
	if err := CanTransition(b.Status, to, b.StartDate, now); err != nil {
		return err
	}
	b.Status = to
	b.UpdatedAt = now
	return nil
}

// IsDue reports whether a scheduled bundle should be activated at now.
func IsDue(b models.Bundle, now time.Time) bool {
	return b.Status == models.StatusScheduled && b.StartDate != nil && !b.StartDate.After(now)
}

// Outcome is the per-id result of a bulk operation.
type Outcome struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Results maps bundle id to its outcome.
type Results map[string]Outcome

// Succeeded counts successful ids.
func (r Results) Succeeded() int {
	n := 0
	for _, o := range r {
		if o.Success {
			n++
		}
	}
	return n
}

// Failed counts failed ids.
func (r Results) Failed() int {
	return len(r) - r.Succeeded()
}

// Bulk runs fn for every id independently. A failure on one id never stops
// the others; repeated ids are processed once.
func Bulk(ctx context.Context, ids []string, fn func(ctx context.Context, id string) error) Results {
	results := make(Results, len(ids))
	for _, id := range ids {
		if _, seen := results[id]; seen {
			continue
		}
		if err := ctx.Err(); err != nil {
			results[id] = Outcome{Error: err.Error()}
			continue
		}
		if err := fn(ctx, id); err != nil {
			results[id] = Outcome{Error: err.Error()}
			continue
		}
		results[id] = Outcome{Success: true}
	}
	return results
}
