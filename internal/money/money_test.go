package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestFormat_USD(t *testing.T) {
	tests := []struct {
		amount string
		want   string
	}{
		{"45", "$45.00"},
		{"0", "$0.00"},
		{"1234.5", "$1,234.50"},
		{"19.999", "$20.00"},
		{"-5", "-$5.00"},
		{"90071992547409.93", "$90,071,992,547,409.93"},
		{"1234567890123.455", "$1,234,567,890,123.46"},
	}

	f, err := NewFormatter("USD", "en-US")
	if err != nil {
		t.Fatalf("Failed to create formatter: %v", err)
	}

	for _, tt := range tests {
		got := f.Format(decimal.RequireFromString(tt.amount))
		if got != tt.want {
			t.Errorf("Format(%s) = %q, want %q", tt.amount, got, tt.want)
		}
	}
}

func TestFormat_ZeroDecimalCurrency(t *testing.T) {
	got, err := Format(decimal.RequireFromString("1234.5"), "jpy", "en-US")
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	if got != "¥1,235" {
		t.Errorf("Expected ¥1,235, got %q", got)
	}
}

func TestFormat_Locales(t *testing.T) {
	tests := []struct {
		amount, currency, locale, want string
	}{
		{"1234.5", "EUR", "de-DE", "1.234,50 €"},
		{"-0.5", "EUR", "fr", "-0,50 €"},
		{"1234.5", "EUR", "en-US", "€1,234.50"},
		{"1234.5", "CHF", "en-US", "CHF 1,234.50"},
		{"10", "GBP", "en-GB", "£10.00"},
	}

	for _, tt := range tests {
		got, err := Format(decimal.RequireFromString(tt.amount), tt.currency, tt.locale)
		if err != nil {
			t.Fatalf("Format(%s %s %s) failed: %v", tt.amount, tt.currency, tt.locale, err)
		}
		if got != tt.want {
			t.Errorf("Format(%s %s %s) = %q, want %q", tt.amount, tt.currency, tt.locale, got, tt.want)
		}
	}
}

func TestFormat_SymbolPlacement(t *testing.T) {
	tests := []struct {
		locale string
		after  bool
	}{
		{"de-DE", true},
		{"de", true},
		{"de-CH", false},
		{"pt-BR", false},
		{"pt-PT", true},
		{"en-US", false},
	}

	for _, tt := range tests {
		f, err := NewFormatter("CHF", tt.locale)
		if err != nil {
			t.Fatalf("NewFormatter(%s) failed: %v", tt.locale, err)
		}
		if f.symbolAfter != tt.after {
			t.Errorf("%s: expected symbol after = %v", tt.locale, tt.after)
		}
	}
}

func TestNewFormatter_InvalidInput(t *testing.T) {
	if _, err := NewFormatter("DOLLARS", "en-US"); err == nil {
		t.Error("Expected error for invalid currency code")
	}
	if _, err := NewFormatter("USD", "not a locale!"); err == nil {
		t.Error("Expected error for invalid locale")
	}
}

func TestRound(t *testing.T) {
	f, err := NewFormatter("EUR", "de-DE")
	if err != nil {
		t.Fatalf("Failed to create formatter: %v", err)
	}
	if f.Currency() != "EUR" {
		t.Errorf("Expected EUR, got %s", f.Currency())
	}
	got := f.Round(decimal.RequireFromString("10.005"))
	if !got.Equal(decimal.RequireFromString("10.01")) {
		t.Errorf("Expected 10.01, got %s", got)
	}
	if s := f.Format(decimal.RequireFromString("10.005")); s != "10,01 €" {
		t.Errorf("Expected 10,01 €, got %q", s)
	}
}
