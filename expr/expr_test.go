// Copyright 2015 Comcast Cable Communications Management, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// End Copyright

package expr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventcore/rulesengine/core"
)

func parseStr(t *testing.T, s string) *Condition {
	t.Helper()
	c, err := Parse(core.JSON(s))
	require.NoError(t, err)
	return c
}

func TestValidateRootMustBeOperator(t *testing.T) {
	c := parseStr(t, `"hello"`)
	err := Validate(c)
	require.Error(t, err)
}

func TestValidateUnknownOperator(t *testing.T) {
	c := parseStr(t, `{"eval": ["1+1"]}`)
	err := Validate(c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Operator not allowed")
}

func TestValidateDepthLimit(t *testing.T) {
	// Build a condition nested 12 levels deep, exceeding MaxDepth.
	cond := `true`
	for i := 0; i < 12; i++ {
		cond = `{"!": [` + cond + `]}`
	}
	c := parseStr(t, cond)
	err := Validate(c)
	require.Error(t, err)
}

func TestValidateOperatorCountLimit(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(`{"and": [`)
	for i := 0; i < 60; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(`{"==": [1, 1]}`)
	}
	sb.WriteString(`]}`)
	c := parseStr(t, sb.String())
	err := Validate(c)
	require.Error(t, err)
}

func TestEvaluateComparison(t *testing.T) {
	c := parseStr(t, `{"==": [{"var": ["status"]}, "ok"]}`)
	ok, err := Evaluate(c, map[string]interface{}{"status": "ok"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Evaluate(c, map[string]interface{}{"status": "fail"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateVarMissingIsNullNotError(t *testing.T) {
	c := parseStr(t, `{"==": [{"var": ["nope"]}, null]}`)
	ok, err := Evaluate(c, map[string]interface{}{"status": "ok"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateNestedVarPath(t *testing.T) {
	c := parseStr(t, `{">": [{"var": ["order.total"]}, 100]}`)
	ok, err := Evaluate(c, map[string]interface{}{
		"order": map[string]interface{}{"total": 150.0},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateComparisonNonNumericRaisesEvalError(t *testing.T) {
	c := parseStr(t, `{">": [{"var": ["total"]}, 100]}`)
	_, err := Evaluate(c, map[string]interface{}{"total": "not-a-number"})
	require.Error(t, err)
	problem, ok := err.(core.Problem)
	require.True(t, ok)
	assert.Equal(t, core.KindEvalError, problem.Kind())
}

func TestEvaluateAndOr(t *testing.T) {
	c := parseStr(t, `{"and": [{">": [2, 1]}, {"<": [1, 2]}]}`)
	ok, err := Evaluate(c, map[string]interface{}{})
	require.NoError(t, err)
	assert.True(t, ok)

	c = parseStr(t, `{"or": [false, {"==": [1, 1]}]}`)
	ok, err = Evaluate(c, map[string]interface{}{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateIn(t *testing.T) {
	c := parseStr(t, `{"in": [{"var": ["type"]}, ["a", "b", "c"]]}`)
	ok, err := Evaluate(c, map[string]interface{}{"type": "b"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInvalidConditionFailsEvaluate(t *testing.T) {
	c := parseStr(t, `{"shell": ["rm -rf /"]}`)
	_, err := Evaluate(c, map[string]interface{}{})
	require.Error(t, err)
	problem, ok := err.(core.Problem)
	require.True(t, ok)
	assert.Equal(t, core.KindValidation, problem.Kind())
}
