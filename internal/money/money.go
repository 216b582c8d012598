// Package money formats decimal amounts for a shop's currency and locale.
package money

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// Locales that write the symbol after the amount. Region entries override
// their language.
var symbolAfter = map[string]bool{
	"cs":    true,
	"da":    true,
	"de":    true,
	"de-CH": false,
	"de-LI": false,
	"es":    true,
	"es-MX": false,
	"es-US": false,
	"fi":    true,
	"fr":    true,
	"it":    true,
	"it-CH": false,
	"nb":    true,
	"pl":    true,
	"pt-PT": true,
	"ru":    true,
	"sv":    true,
}

// Formatter renders amounts in one currency for one locale.
type Formatter struct {
	unit        currency.Unit
	printer     *message.Printer
	scale       int
	symbol      string
	decimalSep  string
	symbolAfter bool
}

// NewFormatter builds a formatter from an ISO 4217 code and a BCP 47 locale.
func NewFormatter(currencyCode, locale string) (*Formatter, error) {
	unit, err := ParseCurrency(currencyCode)
	if err != nil {
		return nil, err
	}

	tag, err := language.Parse(locale)
	if err != nil {
		return nil, fmt.Errorf("invalid locale %q: %w", locale, err)
	}

	scale, _ := currency.Standard.Rounding(unit)
	printer := message.NewPrinter(tag)

	return &Formatter{
		unit:        unit,
		printer:     printer,
		scale:       scale,
		symbol:      printer.Sprint(currency.Symbol(unit)),
		decimalSep:  decimalSeparator(printer),
		symbolAfter: placesSymbolAfter(tag),
	}, nil
}

// ParseCurrency validates an ISO 4217 currency code.
func ParseCurrency(code string) (currency.Unit, error) {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return currency.Unit{}, fmt.Errorf("invalid currency %q: %w", code, err)
	}
	return unit, nil
}

// Currency returns the ISO code of the formatter's currency.
func (f *Formatter) Currency() string {
	return f.unit.String()
}

// Round rounds an amount to the currency's minor unit.
func (f *Formatter) Round(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(int32(f.scale))
}

// Format renders an amount, e.g. "$1,234.50" or "1.234,50 €".
func (f *Formatter) Format(amount decimal.Decimal) string {
	rounded := f.Round(amount)
	sign := ""
	if rounded.IsNegative() {
		sign = "-"
		rounded = rounded.Neg()
	}

	digits := f.digits(rounded)
	if f.symbolAfter {
		return sign + digits + " " + f.symbol
	}

	last, _ := utf8.DecodeLastRuneInString(f.symbol)
	if unicode.IsLetter(last) {
		return sign + f.symbol + " " + digits
	}
	return sign + f.symbol + digits
}

// digits groups the integer part with the locale's separators and appends the
// exact minor-unit digits.
func (f *Formatter) digits(rounded decimal.Decimal) string {
	fixed := rounded.StringFixed(int32(f.scale))
	whole, frac, _ := strings.Cut(fixed, ".")

	intPart := rounded.Truncate(0)
	grouped := whole
	if intPart.Equal(decimal.NewFromInt(intPart.IntPart())) {
		grouped = f.printer.Sprint(number.Decimal(intPart.IntPart()))
	}

	if frac == "" {
		return grouped
	}
	return grouped + f.decimalSep + frac
}

func decimalSeparator(p *message.Printer) string {
	s := p.Sprint(number.Decimal(1.5, number.Scale(1)))
	sep := strings.TrimSuffix(strings.TrimPrefix(s, "1"), "5")
	if sep == "" || sep == s {
		return "."
	}
	return sep
}

func placesSymbolAfter(tag language.Tag) bool {
	base, _ := tag.Base()
	if region, conf := tag.Region(); conf != language.No {
		if after, ok := symbolAfter[base.String()+"-"+region.String()]; ok {
			return after
		}
	}
	return symbolAfter[base.String()]
}

// Format is a convenience wrapper around NewFormatter(...).Format.
func Format(amount decimal.Decimal, currencyCode, locale string) (string, error) {
	f, err := NewFormatter(currencyCode, locale)
	if err != nil {
		return "", err
	}
	return f.Format(amount), nil
}
