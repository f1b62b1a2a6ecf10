package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func TestExpand(t *testing.T) {
	vars := map[string]any{
		"company_name":  "Exempel AB",
		"pension_costs": 148000.0,
		"tax_due":       float64(35512),
		"count":         3,
		"flag":          false,
		"zero_string":   "0",
	}

	tests := []struct {
		name string
		text string
		want string
	}{
		{
			name: "plain text untouched",
			text: "Vill du fortsätta?",
			want: "Vill du fortsätta?",
		},
		{
			name: "string variable",
			text: "Årsredovisning för {company_name}",
			want: "Årsredovisning för Exempel AB",
		},
		{
			name: "swedish number grouping",
			text: "Pensionskostnader: {pension_costs} kr",
			want: "Pensionskostnader: 148 000 kr",
		},
		{
			name: "multiple placeholders",
			text: "{company_name} ska betala {tax_due} kr",
			want: "Exempel AB ska betala 35 512 kr",
		},
		{
			name: "missing variable expands to empty",
			text: "Belopp: {unknown} kr",
			want: "Belopp:  kr",
		},
		{
			name: "case sensitive lookup",
			text: "{Company_Name}",
			want: "",
		},
		{
			name: "falsy values stay visible",
			text: "{flag} {zero_string} {count}",
			want: "false 0 3",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Expand(tc.text, vars, language.Swedish)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestExpandIdempotent(t *testing.T) {
	vars := map[string]any{"amount": 15000.0}
	once := Expand("Skatt: {amount} kr", vars, language.Swedish)
	twice := Expand(once, vars, language.Swedish)
	assert.Equal(t, once, twice)
}

func TestExpandAll(t *testing.T) {
	vars := map[string]any{"fiscal_year": 2025, "unused_tax_loss": 50000.0}
	params := map[string]string{
		"year":   "{fiscal_year}",
		"static": "annual-report",
	}
	got := ExpandAll(params, vars, language.English)
	assert.Equal(t, map[string]string{
		"year":   "2,025",
		"static": "annual-report",
	}, got)

	assert.Nil(t, ExpandAll(nil, vars, language.Swedish))
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    float64
		wantErr bool
	}{
		{name: "plain integer", raw: "15000", want: 15000},
		{name: "grouped with spaces", raw: "15 000", want: 15000},
		{name: "grouped with nbsp", raw: "148 000", want: 148000},
		{name: "decimal comma", raw: "12,50", want: 12.5},
		{name: "surrounding whitespace", raw: "  500 ", want: 500},
		{name: "zero", raw: "0", want: 0},
		{name: "empty", raw: "", wantErr: true},
		{name: "not a number", raw: "femton tusen", wantErr: true},
		{name: "negative rejected", raw: "-100", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseAmount(tc.raw)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseLocale(t *testing.T) {
	assert.Equal(t, language.Swedish, ParseLocale(""))
	assert.Equal(t, language.Swedish, ParseLocale("not-a-locale"))
	assert.Equal(t, language.English, ParseLocale("en"))
}
