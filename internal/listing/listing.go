// Package listing builds the read projection shown on bundle collection screens.
package listing

import (
	"cmp"
	"slices"
	"strings"

	"github.com/jinzhu/copier"
	"golang.org/x/text/cases"

	"bundle-pricing-api/internal/models"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// SortKey selects the field used to order items.
type SortKey string

const (
	SortByName      SortKey = "name"
	SortByRevenue   SortKey = "revenue"
	SortByViews     SortKey = "views"
	SortByCreatedAt SortKey = "created_at"
)

// Direction is the sort direction.
type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

var tabStatuses = map[string]models.BundleStatus{
	"active":    models.StatusActive,
	"draft":     models.StatusDraft,
	"paused":    models.StatusPaused,
	"scheduled": models.StatusScheduled,
	"archived":  models.StatusArchived,
}

// ParseSortKey maps a query value to a key. The camel-case createdAt is
// accepted for older clients. Unknown keys report false.
func ParseSortKey(s string) (SortKey, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "name":
		return SortByName, true
	case "revenue":
		return SortByRevenue, true
	case "views":
		return SortByViews, true
	case "created_at", "createdat":
		return SortByCreatedAt, true
	}
	return "", false
}

// ParseDirection maps a query value to a direction, defaulting to descending.
func ParseDirection(s string) Direction {
	if strings.EqualFold(strings.TrimSpace(s), string(Ascending)) {
		return Ascending
	}
	return Descending
}

// Project builds a list item from a bundle and its analytics counters.
func Project(b models.Bundle, stats models.BundleStats) (models.BundleListItem, error) {
	var item models.BundleListItem
	if err := copier.Copy(&item, &b); err != nil {
		return models.BundleListItem{}, err
	}

	item.Views = stats.Views
	item.Conversions = stats.Conversions
	item.Revenue = stats.Revenue
	item.ProductCount = len(b.Lines)
	if stats.Views > 0 {
		item.ConversionRate = float64(stats.Conversions) / float64(stats.Views)
	}

	return item, nil
}

// Filter narrows list items.
type Filter struct {
	Search   string
	Types    []models.BundleType
	Statuses []models.BundleStatus
	Tab      string
}

// Apply returns the items matching every set criterion. Values within one
// criterion are alternatives.
func (f Filter) Apply(items []models.BundleListItem) []models.BundleListItem {
	fold := cases.Fold()
	search := fold.String(strings.TrimSpace(f.Search))
	tabStatus, hasTab := tabStatuses[strings.ToLower(strings.TrimSpace(f.Tab))]

	out := make([]models.BundleListItem, 0, len(items))
	for _, item := range items {
		if search != "" && !strings.Contains(fold.String(item.Name), search) {
			continue
		}
		if len(f.Types) > 0 && !slices.Contains(f.Types, item.Type) {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, item.Status) {
			continue
		}
		if hasTab && item.Status != tabStatus {
			continue
		}
		out = append(out, item)
	}
	return out
}

// Sort orders a copy of items. Equal keys keep their input order. An unknown
// key returns the items unchanged.
func Sort(items []models.BundleListItem, key SortKey, dir Direction) []models.BundleListItem {
	out := slices.Clone(items)

	var compare func(a, b models.BundleListItem) int
	switch key {
	case SortByName:
		fold := cases.Fold()
		compare = func(a, b models.BundleListItem) int {
			return strings.Compare(fold.String(a.Name), fold.String(b.Name))
		}
	case SortByRevenue:
		compare = func(a, b models.BundleListItem) int {
			return a.Revenue.Cmp(b.Revenue)
		}
	case SortByViews:
		compare = func(a, b models.BundleListItem) int {
			return cmp.Compare(a.Views, b.Views)
		}
	case SortByCreatedAt:
		compare = func(a, b models.BundleListItem) int {
			return a.CreatedAt.Compare(b.CreatedAt)
		}
	default:
		return out
	}

	if dir == Descending {
		asc := compare
		compare = func(a, b models.BundleListItem) int {
			return asc(b, a)
		}
	}

	slices.SortStableFunc(out, compare)
	return out
}

// Page is one slice of a listing.
type Page struct {
	Items        []models.BundleListItem `json:"items"`
	Page         int                     `json:"page"`
	ItemsPerPage int                     `json:"items_per_page"`
	TotalItems   int                     `json:"total_items"`
	TotalPages   int                     `json:"total_pages"`
}

// Paginate returns the 1-indexed page. A page past the end is empty rather
// than an error. Page numbers below 1 are treated as 1; page sizes below 1
// fall back to DefaultPageSize and are capped at MaxPageSize.
func Paginate(items []models.BundleListItem, page, pageSize int) Page {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	total := len(items)
	result := Page{
		Items:        []models.BundleListItem{},
		Page:         page,
		ItemsPerPage: pageSize,
		TotalItems:   total,
		TotalPages:   (total + pageSize - 1) / pageSize,
	}

	if page > result.TotalPages {
		return result
	}
	start := (page - 1) * pageSize
	end := min(start+pageSize, total)
	result.Items = slices.Clone(items[start:end])
	return result
}

// Query bundles the listing parameters accepted by the collection endpoint.
type Query struct {
	Filter    Filter
	SortKey   SortKey
	Direction Direction
	Page      int
	PageSize  int
}

// Run filters, sorts and paginates items.
func Run(items []models.BundleListItem, q Query) Page {
	key := q.SortKey
	if key == "" {
		key = SortByCreatedAt
	}
	dir := q.Direction
	if dir == "" {
		dir = Descending
	}

	filtered := q.Filter.Apply(items)
	return Paginate(Sort(filtered, key, dir), q.Page, q.PageSize)
}
