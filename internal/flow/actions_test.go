package flow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stegvis/stegvis/model"
)

func TestResolveValue(t *testing.T) {
	sess := &model.Session{
		Locale: "sv",
		Vars: map[string]any{
			"sarskild_loneskatt_pension": 35912.0,
			"company_name":               "Exempel AB",
		},
	}

	t.Run("plain values pass through", func(t *testing.T) {
		assert.Equal(t, "0", resolveValue("0", sess))
		assert.Equal(t, false, resolveValue(false, sess))
		assert.Equal(t, 15000.0, resolveValue(15000.0, sess))
		assert.Equal(t, nil, resolveValue(nil, sess))
	})

	t.Run("single placeholder copies the raw value", func(t *testing.T) {
		got := resolveValue("{sarskild_loneskatt_pension}", sess)
		assert.Equal(t, 35912.0, got, "type is preserved, not stringified")
	})

	t.Run("missing variable resolves to nil", func(t *testing.T) {
		assert.Nil(t, resolveValue("{no_such_var}", sess))
	})

	t.Run("mixed text expands as display string", func(t *testing.T) {
		got := resolveValue("Bolag: {company_name}", sess)
		assert.Equal(t, "Bolag: Exempel AB", got)
	})
}

func TestSinglePlaceholder(t *testing.T) {
	cases := []struct {
		in   string
		name string
		ok   bool
	}{
		{"{pension_premier}", "pension_premier", true},
		{"{a}", "a", true},
		{"{}", "", false},
		{"pension_premier", "", false},
		{"{a} kr", "", false},
		{"{a}{b}", "", false},
	}
	for _, tc := range cases {
		name, ok := singlePlaceholder(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.name, name, tc.in)
	}
}

func TestSetVariableResolvesTemplate(t *testing.T) {
	flow := wizardFlow()
	// Rewire the "no" option on the pension step to copy a computed figure
	// instead of a literal.
	flow.Steps[1].Options[1].Data.Value = "{pension_premier}"
	engine, store := newTestEngine(t, flow, nil)
	rctx := testRctx()

	sess, _, err := engine.Start(context.Background(), rctx, "annual-report",
		map[string]any{"pension_premier": 148000.0})
	require.NoError(t, err)

	res, err := engine.Select(context.Background(), rctx, sess.ID, "no")
	require.NoError(t, err)
	assert.Equal(t, 148000.0, res.Effect.Value)

	stored, _ := store.Get(context.Background(), rctx.SubjectID, sess.ID)
	value, ok := stored.Var("justering_sarskild_loneskatt")
	require.True(t, ok)
	assert.Equal(t, 148000.0, value)
}
