package event

import (
	"strconv"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateExecute(t *testing.T) {
	rec := Record{
		"stuff":         "from bar to foobar",
		"correct":       false,
		"random_number": 13245,
		"ratio":         0.5,
	}

	tests := []struct {
		name   string
		format string
		want   string
	}{
		{"plain", "{stuff} happened", "from bar to foobar happened"},
		{"format specs ignored", "{stuff:s} -> {correct!s} [{random_number:d}]", "from bar to foobar -> false [13245]"},
		{"missing field", "value: {nope}.", "value: ."},
		{"escaped braces", "{{literal}} {ratio}", "{literal} 0.5"},
		{"no placeholders", "static", "static"},
		{"adjacent", "{stuff}{random_number}", "from bar to foobar13245"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := ParseTemplate(tt.format)
			require.NoError(t, err)
			assert.Equal(t, tt.want, tmpl.Execute(rec))
			assert.Equal(t, tt.format, tmpl.String())
		})
	}
}

func TestTemplateParseErrors(t *testing.T) {
	for _, format := range []string{"{unclosed", "empty {} placeholder", "{:s}"} {
		_, err := ParseTemplate(format)
		assert.Error(t, err, format)
	}
}

func TestTemplateFields(t *testing.T) {
	tmpl, err := ParseTemplate("The {cA} went bananas with {cC:s}, but without letting {cD!r} know.")
	require.NoError(t, err)
	assert.Equal(t, []string{"cA", "cC", "cD"}, tmpl.Fields())
}

func TestAutoTemplate(t *testing.T) {
	fields := []string{"user", "_hidden", "timestamp", "action", "datetime", "source_long", "data_type", "weird:name", "host"}
	assert.Equal(t, "[user] = {user}, [action] = {action}, [host] = {host}", AutoTemplate(fields))
	assert.Empty(t, AutoTemplate([]string{"timestamp_desc", "time", "_a"}))
}

func TestProperty_TemplateRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("message equals template with every {f} replaced by the field value", prop.ForAll(
		func(names []string, values []int64, literal string) bool {
			rec := Record{}
			for i, n := range names {
				rec[n] = values[i]
			}

			var format, want strings.Builder
			for _, n := range names {
				format.WriteString(literal + "{" + n + "}")
				want.WriteString(literal + strconv.FormatInt(rec[n].(int64), 10))
			}

			tmpl, err := ParseTemplate(format.String())
			if err != nil {
				return false
			}
			return tmpl.Execute(rec) == want.String()
		},
		gen.SliceOfN(5, gen.Identifier()),
		gen.SliceOfN(5, gen.Int64()),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
