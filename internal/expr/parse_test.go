package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFieldRef(t *testing.T) {
	n, err := Parse([]byte(`{"field": "total_assets"}`))
	require.NoError(t, err)
	assert.Equal(t, FieldRef{Name: "total_assets"}, n)
}

func TestParseConstant(t *testing.T) {
	n, err := Parse([]byte(`{"constant": 2.5}`))
	require.NoError(t, err)
	assert.Equal(t, Constant{Value: 2.5}, n)
}

func TestParseLegacyValueKey(t *testing.T) {
	// The legacy backend persisted constants under "value".
	n, err := Parse([]byte(`{"value": 100}`))
	require.NoError(t, err)
	assert.Equal(t, Constant{Value: 100}, n)
}

func TestParseOperation(t *testing.T) {
	n, err := Parse([]byte(`{
		"op": "divide",
		"args": [
			{"field": "total_liabilities"},
			{"field": "total_assets"}
		]
	}`))
	require.NoError(t, err)

	op, ok := n.(Operation)
	require.True(t, ok)
	assert.Equal(t, OpDivide, op.Op)
	require.Len(t, op.Args, 2)
	assert.Equal(t, FieldRef{Name: "total_liabilities"}, op.Args[0])
	assert.Equal(t, FieldRef{Name: "total_assets"}, op.Args[1])
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"unknown operator", `{"op": "eval", "args": [{"constant": 1}]}`},
		{"binary op with one arg", `{"op": "divide", "args": [{"constant": 1}]}`},
		{"binary op with three args", `{"op": "subtract", "args": [{"constant": 1}, {"constant": 2}, {"constant": 3}]}`},
		{"unary op with two args", `{"op": "sqrt", "args": [{"constant": 4}, {"constant": 9}]}`},
		{"variadic op with no args", `{"op": "sum", "args": []}`},
		{"empty field name", `{"field": ""}`},
		{"empty node", `{}`},
		{"not an object", `[1, 2]`},
		{"bad nested arg", `{"op": "abs", "args": [{"op": "nope", "args": []}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.json))
			require.Error(t, err)
			var ee *EvalError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, KindInvalidExpression, ee.Kind)
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	src := []byte(`{
		"op": "multiply",
		"args": [
			{"op": "divide", "args": [{"field": "net_income"}, {"field": "total_revenue"}]},
			{"value": 100}
		]
	}`)

	n, err := Parse(src)
	require.NoError(t, err)

	out, err := Marshal(n)
	require.NoError(t, err)

	n2, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, n, n2)

	// Legacy "value" is normalized to "constant" on the way out.
	assert.Contains(t, string(out), `"constant":100`)
	assert.NotContains(t, string(out), `"value"`)
}

func TestReferences(t *testing.T) {
	n, err := Parse([]byte(`{
		"op": "add",
		"args": [
			{"field": "a"},
			{"op": "divide", "args": [{"field": "b"}, {"field": "a"}]},
			{"constant": 1}
		]
	}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, References(n))
	assert.Empty(t, References(Constant{Value: 3}))
}
