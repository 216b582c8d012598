package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"bundle-pricing-api/internal/models"
)

var uuidRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// FieldErrors holds every message reported for one field path.
type FieldErrors struct {
	Messages []string `json:"messages"`
}

// Errors maps a field path (e.g. "products[2].product_id") to its messages.
type Errors map[string]*FieldErrors

// Add records a message for a field, skipping exact duplicates.
func (e Errors) Add(field, message string) {
	fe, ok := e[field]
	if !ok {
		fe = &FieldErrors{}
		e[field] = fe
	}
	for _, m := range fe.Messages {
		if m == message {
			return
		}
	}
	fe.Messages = append(fe.Messages, message)
}

// Merge folds other into e.
func (e Errors) Merge(other Errors) {
	for _, field := range other.Fields() {
		for _, m := range other[field].Messages {
			e.Add(field, m)
		}
	}
}

// Has reports whether a field has any message.
func (e Errors) Has(field string) bool {
	fe, ok := e[field]
	return ok && len(fe.Messages) > 0
}

// Fields returns the field paths in sorted order.
func (e Errors) Fields() []string {
	fields := make([]string, 0, len(e))
	for f := range e {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func (e Errors) Error() string {
	parts := make([]string, 0, len(e))
	for _, f := range e.Fields() {
		parts = append(parts, fmt.Sprintf("%s: %s", f, strings.Join(e[f].Messages, "; ")))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// Result is the outcome of a validation phase.
type Result struct {
	Valid  bool           `json:"valid"`
	Errors Errors         `json:"errors,omitempty"`
	Data   *models.Bundle `json:"data,omitempty"`
}

func newResult(errs Errors, data *models.Bundle) Result {
	if len(errs) == 0 {
		return Result{Valid: true, Data: data}
	}
	return Result{Valid: false, Errors: errs}
}

// InfrastructureError wraps a failed collaborator read. It is distinct from a
// validation failure: the bundle was never judged.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("validation: %s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// ValidationError is a single-field failure outside bundle validation, such as
// a malformed path parameter.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// SanitizeString drops control characters (other than whitespace) and trims.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

// ValidateUUID checks that id is a v4 UUID.
func ValidateUUID(id, fieldName string) error {
	if id == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}

	id = SanitizeString(id)

	if !uuidRegex.MatchString(strings.ToLower(id)) {
		return &ValidationError{
			Field:   fieldName,
			Message: "must be a valid UUID v4",
		}
	}

	return nil
}

// Normalize trims the free-text fields of a bundle and fills default roles.
func Normalize(b models.Bundle) models.Bundle {
	b.Name = SanitizeString(b.Name)
	if b.Description != nil {
		desc := SanitizeString(*b.Description)
		if desc == "" {
			b.Description = nil
		} else {
			b.Description = &desc
		}
	}

	lines := make([]models.BundleProductLine, len(b.Lines))
	for i, line := range b.Lines {
		line.ProductID = SanitizeString(line.ProductID)
		if line.VariantID != nil {
			v := SanitizeString(*line.VariantID)
			if v == "" {
				line.VariantID = nil
			} else {
				line.VariantID = &v
			}
		}
		line.Role = line.EffectiveRole()
		lines[i] = line
	}
	if b.Lines != nil {
		b.Lines = lines
	}

	return b
}
