package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/pkg/errors"
)

func TestEvaluateCondition(t *testing.T) {
	vars := map[string]interface{}{
		"qa": map[string]interface{}{
			"status": "fail",
			"count":  float64(2),
		},
		"branch": "feat/make-api",
		"empty":  "",
		"zero":   float64(0),
		"flag":   true,
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"equality match", "${qa.status} == 'fail'", true},
		{"equality mismatch", "${qa.status} == 'pass'", false},
		{"double-quoted literal", `${branch} == "feat/make-api"`, true},
		{"inequality", "${qa.status} != 'pass'", true},
		{"numeric comparison", "${qa.count} == 2", true},
		{"numeric string coercion", "${qa.count} == '2'", true},
		{"or short circuit", "${qa.status} == 'pass' || ${flag}", true},
		{"or all false", "${qa.status} == 'pass' || ${empty}", false},
		{"bare path truthy", "branch", true},
		{"bare nested path truthy", "qa.status", true},
		{"bare path falsy empty", "empty", false},
		{"bare path falsy zero", "zero", false},
		{"bare path missing", "does.not.exist", false},
		{"unresolved reference is falsy", "${nope} == 'x'", false},
		{"unresolved equals unresolved", "${nope} == ${also.nope}", true},
		{"boolean literal", "true", true},
		{"empty expression is true", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateCondition(tt.expr, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateConditionRejectsUnsupported(t *testing.T) {
	exprs := []string{
		"${a} && ${b}",
		"${a} < 3",
		"${a} >= 3",
		"(${a} == 1)",
		"len(${a}) == 2",
	}

	for _, expr := range exprs {
		t.Run(expr, func(t *testing.T) {
			_, err := EvaluateCondition(expr, map[string]interface{}{})
			var verr *errors.ValidationError
			assert.ErrorAs(t, err, &verr, "expected validation error for %q", expr)
		})
	}
}
