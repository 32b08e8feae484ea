package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExpression_Valid(t *testing.T) {
	cases := []string{
		"assessed_value > 0",
		"status == 'active'",
		"owner_name != null",
		"land_value >= 0 AND improvement_value >= 0",
		"status == 'active' OR status == 'pending'",
		"situs_address contains 'St'",
	}
	for _, src := range cases {
		_, err := ParseExpression(src)
		assert.NoError(t, err, src)
	}
}

func TestParseExpression_Invalid(t *testing.T) {
	cases := []string{
		"",
		"assessed_value >",
		"assessed_value > 0 AND",
		"assessed_value ~ 0",
		"1value > 0",
		"status == 'unterminated",
		"assessed_value > 0 XOR land_value > 0",
		"len(owner_name) > 3",
	}
	for _, src := range cases {
		_, err := ParseExpression(src)
		assert.Error(t, err, src)
	}
}

func TestExpression_Eval(t *testing.T) {
	row := map[string]any{
		"assessed_value":    150000.0,
		"land_value":        50000,
		"improvement_value": "100000",
		"status":            "active",
		"owner_name":        nil,
	}

	eval := func(src string) bool {
		expr, err := ParseExpression(src)
		require.NoError(t, err, src)
		ok, err := expr.Eval(row)
		require.NoError(t, err, src)
		return ok
	}

	assert.True(t, eval("assessed_value > 100000"))
	assert.False(t, eval("assessed_value < 100000"))
	// Numeric string compares numerically.
	assert.True(t, eval("improvement_value == 100000"))
	assert.True(t, eval("status == 'active'"))
	assert.True(t, eval("owner_name == null"))
	assert.False(t, eval("owner_name != null"))
	// Missing field is null.
	assert.True(t, eval("no_such_field == null"))
	assert.True(t, eval("status contains 'act'"))
	assert.False(t, eval("status contains 'ACT'"))

	// Connectors evaluate left to right.
	assert.True(t, eval("land_value > 0 AND improvement_value > 0"))
	assert.False(t, eval("land_value < 0 AND improvement_value > 0"))
	assert.True(t, eval("land_value < 0 OR improvement_value > 0"))
}

func TestExpression_QuotedStringWithSpaces(t *testing.T) {
	expr, err := ParseExpression("city == 'Cedar Falls'")
	require.NoError(t, err)

	ok, err := expr.Eval(map[string]any{"city": "Cedar Falls"})
	require.NoError(t, err)
	assert.True(t, ok)
}
