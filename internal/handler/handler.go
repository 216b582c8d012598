package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	zlog "github.com/rs/zerolog/log"

	"bundle-pricing-api/internal/database"
	"bundle-pricing-api/internal/features"
	"bundle-pricing-api/internal/lifecycle"
	"bundle-pricing-api/internal/listing"
	"bundle-pricing-api/internal/middleware"
	"bundle-pricing-api/internal/models"
	"bundle-pricing-api/internal/pricing"
	"bundle-pricing-api/internal/service"
	"bundle-pricing-api/internal/validation"
)

// Handler provides HTTP handlers for the API.
type Handler struct {
	service     *service.Service
	features    *features.Manager
	maxBodySize int64
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 1 << 20, // 1MB default
	}
}

// NewHandler creates a new handler instance.
func NewHandler(svc *service.Service, flags *features.Manager) *Handler {
	return NewHandlerWithOptions(svc, flags, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(svc *service.Service, flags *features.Manager, opts NewHandlerOptions) *Handler {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultHandlerOptions().MaxBodySize
	}
	return &Handler{
		service:     svc,
		features:    flags,
		maxBodySize: opts.MaxBodySize,
	}
}

// Mount registers the admin routes behind auth and the public storefront routes.
func (h *Handler) Mount(r chi.Router, auth func(http.Handler) http.Handler) {
	r.Route("/api", func(r chi.Router) {
		r.Use(auth)

		r.Route("/bundles", func(r chi.Router) {
			r.Get("/", h.ListBundles)
			r.Post("/", h.CreateBundle)
			r.Post("/preview", h.PreviewBundle)
			r.Post("/bulk-delete", h.BulkDelete)
			r.Post("/bulk-status", h.BulkChangeStatus)
			r.Get("/{id}", h.GetBundle)
			r.Patch("/{id}", h.UpdateBundle)
			r.Delete("/{id}", h.DeleteBundle)
			r.Post("/{id}/status", h.ChangeStatus)
		})

		r.Get("/settings", h.GetSettings)
		r.Put("/settings", h.UpdateSettings)
		r.Get("/features", h.ListFeatures)
	})

	r.Route("/storefront/{shop}", func(r chi.Router) {
		r.Get("/products/{product_id}/bundles", h.StorefrontBundles)
		r.Post("/bundles/{id}/conversions", h.RecordConversion)
	})
}

// ValidationErrorResponse is the 422 body.
type ValidationErrorResponse struct {
	Error  string            `json:"error"`
	Errors validation.Errors `json:"errors"`
}

// TransitionErrorResponse is the 409 body for rejected status changes.
type TransitionErrorResponse struct {
	Error     string              `json:"error"`
	Current   models.BundleStatus `json:"current"`
	Requested models.BundleStatus `json:"requested"`
	Reason    string              `json:"reason,omitempty"`
}

// PreviewResponse flattens the quote next to the validation outcome.
type PreviewResponse struct {
	Valid  bool              `json:"valid"`
	Errors validation.Errors `json:"errors,omitempty"`
	*pricing.Quote
	Formatted *service.FormattedQuote `json:"formatted,omitempty"`
}

// BulkResponse reports per-id outcomes.
type BulkResponse struct {
	Results   lifecycle.Results `json:"results"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
}

// PreviewBundle handles POST /api/bundles/preview
func (h *Handler) PreviewBundle(w http.ResponseWriter, r *http.Request) {
	var req models.Bundle
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.service.Preview(r.Context(), shopFrom(r), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, PreviewResponse{
		Valid:     res.Valid,
		Errors:    res.Errors,
		Quote:     res.Quote,
		Formatted: res.Formatted,
	})
}

// CreateBundle handles POST /api/bundles
func (h *Handler) CreateBundle(w http.ResponseWriter, r *http.Request) {
	var req models.Bundle
	if !h.decode(w, r, &req) {
		return
	}

	out, err := h.service.CreateBundle(r.Context(), shopFrom(r), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, out)
}

// ListBundles handles GET /api/bundles
func (h *Handler) ListBundles(w http.ResponseWriter, r *http.Request) {
	q, err := parseListQuery(r.URL.Query())
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := h.service.ListBundles(r.Context(), shopFrom(r), q)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, page)
}

func parseListQuery(values url.Values) (listing.Query, error) {
	q := listing.Query{
		Filter: listing.Filter{
			Search: validation.SanitizeString(values.Get("search")),
			Tab:    strings.ToLower(validation.SanitizeString(values.Get("tab"))),
		},
		Direction: listing.ParseDirection(values.Get("direction")),
	}

	for _, t := range values["type"] {
		q.Filter.Types = append(q.Filter.Types, models.BundleType(strings.ToUpper(validation.SanitizeString(t))))
	}
	for _, s := range values["status"] {
		q.Filter.Statuses = append(q.Filter.Statuses, models.BundleStatus(strings.ToUpper(validation.SanitizeString(s))))
	}

	if raw := values.Get("sort"); raw != "" {
		key, ok := listing.ParseSortKey(raw)
		if !ok {
			// Unknown keys keep the stored order.
			key = listing.SortKey(raw)
		}
		q.SortKey = key
	}

	var err error
	if q.Page, err = optionalInt(values, "page"); err != nil {
		return listing.Query{}, err
	}
	if q.PageSize, err = optionalInt(values, "page_size"); err != nil {
		return listing.Query{}, err
	}
	return q, nil
}

func optionalInt(values url.Values, name string) (int, error) {
	raw := values.Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Errorf("invalid '%s' parameter, must be an integer", name)
	}
	return n, nil
}

// GetBundle handles GET /api/bundles/{id}
func (h *Handler) GetBundle(w http.ResponseWriter, r *http.Request) {
	id, ok := h.bundleID(w, r)
	if !ok {
		return
	}

	out, err := h.service.GetBundle(r.Context(), shopFrom(r), id)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, out)
}

// UpdateBundle handles PATCH /api/bundles/{id}
func (h *Handler) UpdateBundle(w http.ResponseWriter, r *http.Request) {
	id, ok := h.bundleID(w, r)
	if !ok {
		return
	}

	var req models.BundlePatch
	if !h.decode(w, r, &req) {
		return
	}

	out, err := h.service.UpdateBundle(r.Context(), shopFrom(r), id, req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, out)
}

// DeleteBundle handles DELETE /api/bundles/{id}
func (h *Handler) DeleteBundle(w http.ResponseWriter, r *http.Request) {
	id, ok := h.bundleID(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteBundle(r.Context(), shopFrom(r), id); err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// BulkDelete handles POST /api/bundles/bulk-delete
func (h *Handler) BulkDelete(w http.ResponseWriter, r *http.Request) {
	var req models.BulkDeleteRequest
	if !h.decode(w, r, &req) {
		return
	}
	ids, ok := h.bulkIDs(w, req.IDs)
	if !ok {
		return
	}

	results := h.service.BulkDelete(r.Context(), shopFrom(r), ids)
	h.respondJSON(w, http.StatusOK, bulkResponse(results))
}

// ChangeStatus handles POST /api/bundles/{id}/status
func (h *Handler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.bundleID(w, r)
	if !ok {
		return
	}

	var req models.StatusChangeRequest
	if !h.decode(w, r, &req) {
		return
	}
	to, ok := h.status(w, req.Status)
	if !ok {
		return
	}

	b, err := h.service.ChangeStatus(r.Context(), shopFrom(r), id, to)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, b)
}

// BulkChangeStatus handles POST /api/bundles/bulk-status
func (h *Handler) BulkChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req models.BulkStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	to, ok := h.status(w, req.Status)
	if !ok {
		return
	}
	ids, ok := h.bulkIDs(w, req.IDs)
	if !ok {
		return
	}

	results := h.service.BulkChangeStatus(r.Context(), shopFrom(r), ids, to)
	h.respondJSON(w, http.StatusOK, bulkResponse(results))
}

// GetSettings handles GET /api/settings
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.service.GetSettings(r.Context(), shopFrom(r))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, settings)
}

// UpdateSettings handles PUT /api/settings
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req models.ShopSettings
	if !h.decode(w, r, &req) {
		return
	}

	settings, err := h.service.UpdateSettings(r.Context(), shopFrom(r), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, settings)
}

// ListFeatures handles GET /api/features
func (h *Handler) ListFeatures(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.features.Snapshot())
}

// StorefrontBundles handles GET /storefront/{shop}/products/{product_id}/bundles
func (h *Handler) StorefrontBundles(w http.ResponseWriter, r *http.Request) {
	shop := storefrontShop(r)
	productID, err := productGID(chi.URLParam(r, "product_id"))
	if shop == "" || err != nil {
		h.respondError(w, http.StatusBadRequest, "shop and product_id are required")
		return
	}

	offers, err := h.service.StorefrontBundles(r.Context(), shop, productID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=60")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"bundles": offers})
}

// RecordConversion handles POST /storefront/{shop}/bundles/{id}/conversions
func (h *Handler) RecordConversion(w http.ResponseWriter, r *http.Request) {
	shop := storefrontShop(r)
	if shop == "" {
		h.respondError(w, http.StatusBadRequest, "shop is required")
		return
	}
	id, ok := h.bundleID(w, r)
	if !ok {
		return
	}

	var req models.ConversionRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.service.RecordConversion(r.Context(), shop, id, req.Revenue); err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func shopFrom(r *http.Request) string {
	shop, _ := middleware.ShopFromContext(r.Context())
	return shop
}

func storefrontShop(r *http.Request) string {
	return strings.ToLower(validation.SanitizeString(chi.URLParam(r, "shop")))
}

// productGID accepts a product GID (URL-escaped) or a bare numeric id.
func productGID(raw string) (string, error) {
	id, err := url.PathUnescape(raw)
	if err != nil {
		return "", err
	}
	id = validation.SanitizeString(id)
	if id == "" {
		return "", errors.New("product_id is required")
	}
	if _, err := strconv.ParseUint(id, 10, 64); err == nil {
		return "gid://shopify/Product/" + id, nil
	}
	return id, nil
}

// status normalizes a requested status and rejects values outside the
// lifecycle with a 400.
func (h *Handler) status(w http.ResponseWriter, raw models.BundleStatus) (models.BundleStatus, bool) {
	s := models.BundleStatus(strings.ToUpper(validation.SanitizeString(string(raw))))
	if !lifecycle.IsKnown(s) {
		err := &validation.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", string(raw))}
		h.respondError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return s, true
}

func (h *Handler) bundleID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := validation.SanitizeString(chi.URLParam(r, "id"))
	if err := validation.ValidateUUID(id, "id"); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return strings.ToLower(id), true
}

func (h *Handler) bulkIDs(w http.ResponseWriter, raw []string) ([]string, bool) {
	if len(raw) == 0 {
		h.respondError(w, http.StatusBadRequest, "ids is required")
		return nil, false
	}
	ids := make([]string, len(raw))
	for i, id := range raw {
		ids[i] = strings.ToLower(validation.SanitizeString(id))
	}
	return ids, true
}

func bulkResponse(results lifecycle.Results) BulkResponse {
	return BulkResponse{
		Results:   results,
		Succeeded: results.Succeeded(),
		Failed:    results.Failed(),
	}
}

// decode reads a size-limited JSON body into dst and writes the error response
// itself when that fails.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			h.respondError(w, http.StatusBadRequest, "request body is required")
		case errors.As(err, &maxErr):
			h.respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
		default:
			h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		}
		return false
	}
	return true
}

// respondServiceError maps service errors to status codes.
func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verrs      validation.Errors
		transition *lifecycle.InvalidTransitionError
		fieldErr   *validation.ValidationError
	)

	switch {
	case errors.As(err, &verrs):
		h.respondJSON(w, http.StatusUnprocessableEntity, ValidationErrorResponse{
			Error:  "validation failed",
			Errors: verrs,
		})
	case errors.As(err, &transition):
		h.respondJSON(w, http.StatusConflict, TransitionErrorResponse{
			Error:     transition.Error(),
			Current:   transition.Current,
			Requested: transition.Requested,
			Reason:    transition.Reason,
		})
	case errors.As(err, &fieldErr):
		h.respondError(w, http.StatusBadRequest, fieldErr.Error())
	case errors.Is(err, database.ErrNotFound), errors.Is(err, service.ErrFeatureDisabled):
		h.respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, database.ErrConflict):
		h.respondError(w, http.StatusConflict, "bundle already exists")
	default:
		zlog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		h.respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message})
}
