// Package template expands {variable} placeholders in step texts against a
// session's variable context, formatting numeric values with locale-aware
// thousands grouping.
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_.]+)\}`)

// DefaultLocale is used when a session carries no locale of its own.
var DefaultLocale = language.Swedish

// Expand replaces every {name} occurrence in text with the stringified
// value of name from vars. Placeholder names match exactly, case-sensitive.
// Missing names expand to the empty string. Numeric values are formatted
// with the locale's thousands grouping and zero decimal places. Expand
// never fails; a string without placeholders is returned unchanged.
func Expand(text string, vars map[string]any, locale language.Tag) string {
	if !strings.ContainsRune(text, '{') {
		return text
	}
	printer := message.NewPrinter(locale)
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := match[1 : len(match)-1]
		value, ok := vars[name]
		if !ok {
			return ""
		}
		return Format(printer, value)
	})
}

// ExpandAll expands every value of a string map against vars. Used for
// api_call parameter templating.
func ExpandAll(params map[string]string, vars map[string]any, locale language.Tag) map[string]string {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]string, len(params))
	for key, tmpl := range params {
		out[key] = Expand(tmpl, vars, locale)
	}
	return out
}

// Format renders a single variable value. Numbers get grouped digits and no
// decimals; everything else is rendered with fmt semantics so that false
// and "0" stay visible rather than disappearing.
func Format(printer *message.Printer, value any) string {
	switch v := value.(type) {
	case float64:
		return printer.Sprint(number.Decimal(v, number.MaxFractionDigits(0)))
	case float32:
		return printer.Sprint(number.Decimal(float64(v), number.MaxFractionDigits(0)))
	case int:
		return printer.Sprint(number.Decimal(v))
	case int64:
		return printer.Sprint(number.Decimal(v))
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// ParseLocale resolves a locale string (typically from Accept-Language or
// session config) to a language tag, falling back to DefaultLocale.
func ParseLocale(locale string) language.Tag {
	if locale == "" {
		return DefaultLocale
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return DefaultLocale
	}
	return tag
}

// ParseAmount normalizes a user-entered amount: grouping spaces (regular
// and non-breaking) are stripped, a decimal comma becomes a point, and the
// result must parse as a non-negative number. The returned value is the
// rounded whole-krona amount.
func ParseAmount(raw string) (float64, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\u202f':
			return -1
		case ',':
			return '.'
		default:
			return r
		}
	}, strings.TrimSpace(raw))

	if cleaned == "" {
		return 0, fmt.Errorf("amount is empty")
	}
	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q is not a number", raw)
	}
	if value < 0 {
		return 0, fmt.Errorf("amount must not be negative")
	}
	return value, nil
}
