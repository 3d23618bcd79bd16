package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eval(t *testing.T, src string, ctx map[string]any) bool {
	t.Helper()
	expr, err := Parse(src)
	require.NoError(t, err)
	return expr.Eval(ctx)
}

func TestGuardUndefinedPathIsFalsyAndEqualsNull(t *testing.T) {
	assert.True(t, eval(t, "!ctx.missing", map[string]any{}))
	assert.True(t, eval(t, "ctx.missing == null", map[string]any{}))
	assert.False(t, eval(t, "ctx.missing == 0", map[string]any{}))
	assert.False(t, eval(t, `ctx.missing == ""`, map[string]any{}))
}

func TestGuardNumericComparison(t *testing.T) {
	assert.False(t, eval(t, "ctx.missing > 0", map[string]any{}))
	assert.True(t, eval(t, "ctx.amount <= 1000", map[string]any{"amount": 500.0}))
	assert.True(t, eval(t, "ctx.amount > 1000", map[string]any{"amount": 5000.0}))
	assert.False(t, eval(t, "ctx.amount <= 1000", map[string]any{"amount": 5000.0}))
}

func TestGuardStringComparisonByteWise(t *testing.T) {
	assert.True(t, eval(t, `ctx.status == "approved"`, map[string]any{"status": "approved"}))
	assert.True(t, eval(t, `ctx.name < "banana"`, map[string]any{"name": "apple"}))
}

func TestGuardNumberStringAlwaysUnequal(t *testing.T) {
	assert.False(t, eval(t, `ctx.amount == "5"`, map[string]any{"amount": 5.0}))
	assert.True(t, eval(t, `ctx.amount != "5"`, map[string]any{"amount": 5.0}))
}

func TestGuardEmptyArrayAndObjectAreTruthy(t *testing.T) {
	assert.True(t, eval(t, "ctx.tags", map[string]any{"tags": []any{}}))
	assert.True(t, eval(t, "ctx.meta", map[string]any{"meta": map[string]any{}}))
}

func TestGuardLogicalOperators(t *testing.T) {
	ctx := map[string]any{"a": true, "b": false}
	assert.True(t, eval(t, "ctx.a || ctx.b", ctx))
	assert.False(t, eval(t, "ctx.a && ctx.b", ctx))
	assert.True(t, eval(t, "!ctx.b", ctx))
}

func TestGuardParenthesizedGrouping(t *testing.T) {
	ctx := map[string]any{"amount": 50.0, "approved": false}
	assert.True(t, eval(t, "(ctx.amount < 100) || ctx.approved", ctx))
}

func TestGuardZeroFalseEmptyStringFalsy(t *testing.T) {
	assert.False(t, eval(t, "ctx.n", map[string]any{"n": 0.0}))
	assert.False(t, eval(t, "ctx.s", map[string]any{"s": ""}))
	assert.False(t, eval(t, "ctx.f", map[string]any{"f": false}))
}

func TestParseRejectsMalformedExpression(t *testing.T) {
	_, err := Parse("ctx.amount >")
	require.Error(t, err)

	_, err = Parse("amount > 5")
	require.Error(t, err)

	_, err = Parse("ctx")
	require.Error(t, err)
}

func TestParseRoundTripsSource(t *testing.T) {
	expr, err := Parse("ctx.amount <= 1000")
	require.NoError(t, err)
	assert.Equal(t, "ctx.amount <= 1000", expr.Source())
}
