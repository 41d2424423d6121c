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

// Package expr implements the whitelisted, JSON-shaped condition
// language rules are written in. A condition is either a scalar, an
// array of conditions, or an operator object with exactly one key
// drawn from a fixed set. There is no reflection and no way to reach
// arbitrary Go or host code from a condition: the whitelist is the
// entire security boundary.
package expr

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/eventcore/rulesengine/core"
)

// MaxDepth and MaxOperators bound validation per spec: a condition
// nested more than 10 levels deep, or containing more than 50
// operator nodes total, is rejected before it is ever evaluated.
const (
	MaxDepth     = 10
	MaxOperators = 50
)

// allowedOperators is the fixed whitelist. Any key not in this set
// fails validation with "Operator not allowed: <name>".
var allowedOperators = map[string]bool{
	"==": true, "===": true, "!=": true, "!==": true,
	">": true, ">=": true, "<": true, "<=": true,
	"and": true, "or": true, "!": true,
	"var": true,
	"missing": true, "missing_some": true, "in": true,
	"if": true,
	"+": true, "-": true, "*": true, "/": true, "%": true, "min": true, "max": true,
	"cat": true, "substr": true, "length": true,
}

// Condition is a parsed condition tree node.
type Condition struct {
	// Op is empty for a scalar/array leaf.
	Op   string
	Args []interface{} // raw operand list for Op nodes; each may itself be a Condition, a []interface{}, or a scalar
	Leaf interface{}   // the scalar/array value when Op == ""
}

// Parse decodes raw JSON into a Condition tree without validating
// it; Validate is a separate step. The rule write paths (httpapi's
// rule handlers, store.CreateRule/UpdateRule, the startup seed) do
// not call Validate, so a condition that fails the
// depth/operator-count/whitelist checks is stored as given and is
// rejected only when Evaluate runs it.
func Parse(raw core.JSON) (*Condition, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, core.NewSyntaxError("expr.Parse: %s", err)
	}
	return parseValue(v), nil
}

func parseValue(v interface{}) *Condition {
	obj, ok := v.(map[string]interface{})
	if !ok || len(obj) != 1 {
		return &Condition{Leaf: v}
	}
	for k, args := range obj {
		list, ok := args.([]interface{})
		if !ok {
			// A single non-array operand is treated as a
			// one-element operand list, the usual JSON-Logic
			// convention.
			list = []interface{}{args}
		}
		return &Condition{Op: k, Args: list}
	}
	return &Condition{Leaf: v} // unreachable, len(obj) == 1 above
}

// Validate runs the contract in order: root must be an operator
// object, every operator must be whitelisted, depth <= MaxDepth,
// total operator count <= MaxOperators.
func Validate(c *Condition) error {
	if c.Op == "" {
		return core.NewSyntaxError("condition root must be an operator object")
	}
	count := 0
	if err := validateNode(c, 1, &count); err != nil {
		return err
	}
	return nil
}

func validateNode(c *Condition, depth int, count *int) error {
	if c.Op == "" {
		// Leaf: still need to walk into arrays, since an array
		// literal can itself hold operator objects as elements.
		if arr, ok := c.Leaf.([]interface{}); ok {
			for _, el := range arr {
				if err := validateValue(el, depth, count); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if !allowedOperators[c.Op] {
		return core.NewSyntaxError("Operator not allowed: %s", c.Op)
	}
	if MaxDepth < depth {
		return core.NewSyntaxError("condition nesting exceeds max depth %d", MaxDepth)
	}
	*count++
	if MaxOperators < *count {
		return core.NewSyntaxError("condition operator count exceeds max %d", MaxOperators)
	}
	for _, a := range c.Args {
		if err := validateValue(a, depth+1, count); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(v interface{}, depth int, count *int) error {
	sub := parseValue(v)
	return validateNode(sub, depth, count)
}

// Evaluate runs a validated condition against a payload, returning a
// truthy/falsy boolean. Calling Evaluate on a condition that fails
// Validate returns a core.SyntaxError (kind validation); arithmetic
// or ordering comparison on non-numeric operands
// returns a core.EvalError (kind eval-error).
func Evaluate(c *Condition, payload map[string]interface{}) (bool, error) {
	if err := Validate(c); err != nil {
		return false, err
	}
	v, err := eval(c, payload)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func eval(c *Condition, payload map[string]interface{}) (interface{}, error) {
	if c.Op == "" {
		return evalLeaf(c.Leaf, payload)
	}
	switch c.Op {
	case "var":
		return evalVar(c.Args, payload)
	case "and":
		return evalAnd(c.Args, payload)
	case "or":
		return evalOr(c.Args, payload)
	case "!":
		v, err := evalArg(c.Args, 0, payload)
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	case "==", "===":
		return evalCompareEq(c.Args, payload, true)
	case "!=", "!==":
		return evalCompareEq(c.Args, payload, false)
	case ">", ">=", "<", "<=":
		return evalCompareOrd(c.Op, c.Args, payload)
	case "missing":
		return evalMissing(c.Args, payload, false)
	case "missing_some":
		return evalMissingSome(c.Args, payload)
	case "in":
		return evalIn(c.Args, payload)
	case "if":
		return evalIf(c.Args, payload)
	case "+", "-", "*", "/", "%", "min", "max":
		return evalArith(c.Op, c.Args, payload)
	case "cat":
		return evalCat(c.Args, payload)
	case "substr":
		return evalSubstr(c.Args, payload)
	case "length":
		return evalLength(c.Args, payload)
	default:
		return nil, core.NewSyntaxError("Operator not allowed: %s", c.Op)
	}
}

func evalLeaf(leaf interface{}, payload map[string]interface{}) (interface{}, error) {
	if arr, ok := leaf.([]interface{}); ok {
		out := make([]interface{}, len(arr))
		for i, el := range arr {
			v, err := eval(parseValue(el), payload)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
	return leaf, nil
}

func evalArg(args []interface{}, i int, payload map[string]interface{}) (interface{}, error) {
	if i >= len(args) {
		return nil, nil
	}
	return eval(parseValue(args[i]), payload)
}

// evalVar resolves a dotted path ("order.total", "" for the whole
// payload) against the event payload. A missing path yields nil, not
// an error, per spec; an optional second argument is the default to
// return instead of nil.
func evalVar(args []interface{}, payload map[string]interface{}) (interface{}, error) {
	pathV, err := evalArg(args, 0, payload)
	if err != nil {
		return nil, err
	}
	path, _ := pathV.(string)
	if path == "" {
		return payload, nil
	}
	v := lookupPath(payload, path)
	if v == nil && len(args) > 1 {
		return evalArg(args, 1, payload)
	}
	return v, nil
}

// queryCache memoizes the compiled gojq code for each dotted path:
// rules are evaluated many times per payload across the lifetime of
// a worker, so parsing ".order.total" on every call would be wasted
// work.
var queryCache sync.Map // map[string]*gojq.Code

// lookupPath resolves a dotted path ("order.total", "" for the root)
// against the payload using gojq, so the same query engine backs
// both the rule language's var operator and any future jq-syntax
// extension to it. A path that resolves to nothing, or that gojq
// can't compile, yields nil rather than an error — missing paths are
// not a failure per spec.
func lookupPath(payload map[string]interface{}, path string) interface{} {
	if path == "" {
		return payload
	}
	code, ok := queryCache.Load(path)
	if !ok {
		jqPath := "." + strings.Join(strings.Split(path, "."), ".")
		query, err := gojq.Parse(jqPath)
		if err != nil {
			return nil
		}
		compiled, err := gojq.Compile(query)
		if err != nil {
			return nil
		}
		queryCache.Store(path, compiled)
		code = compiled
	}
	iter := code.(*gojq.Code).Run(payload)
	v, ok := iter.Next()
	if !ok {
		return nil
	}
	if err, ok := v.(error); ok {
		_ = err
		return nil
	}
	return v
}

func evalAnd(args []interface{}, payload map[string]interface{}) (interface{}, error) {
	var last interface{} = true
	for i := range args {
		v, err := evalArg(args, i, payload)
		if err != nil {
			return nil, err
		}
		last = v
		if !truthy(v) {
			return v, nil
		}
	}
	return last, nil
}

func evalOr(args []interface{}, payload map[string]interface{}) (interface{}, error) {
	var last interface{}
	for i := range args {
		v, err := evalArg(args, i, payload)
		if err != nil {
			return nil, err
		}
		last = v
		if truthy(v) {
			return v, nil
		}
	}
	return last, nil
}

func evalCompareEq(args []interface{}, payload map[string]interface{}, want bool) (interface{}, error) {
	a, err := evalArg(args, 0, payload)
	if err != nil {
		return nil, err
	}
	b, err := evalArg(args, 1, payload)
	if err != nil {
		return nil, err
	}
	eq := looseEqual(a, b)
	return eq == want, nil
}

func looseEqual(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func evalCompareOrd(op string, args []interface{}, payload map[string]interface{}) (interface{}, error) {
	a, err := evalArg(args, 0, payload)
	if err != nil {
		return nil, err
	}
	b, err := evalArg(args, 1, payload)
	if err != nil {
		return nil, err
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return nil, core.NewEvalError("%s: non-numeric operand", op)
	}
	switch op {
	case ">":
		return af > bf, nil
	case ">=":
		return af >= bf, nil
	case "<":
		return af < bf, nil
	default:
		return af <= bf, nil
	}
}

func evalMissing(args []interface{}, payload map[string]interface{}, _ bool) (interface{}, error) {
	var missing []interface{}
	for i := range args {
		v, err := evalArg(args, i, payload)
		if err != nil {
			return nil, err
		}
		name, _ := v.(string)
		if lookupPath(payload, name) == nil {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

func evalMissingSome(args []interface{}, payload map[string]interface{}) (interface{}, error) {
	if len(args) < 2 {
		return nil, core.NewEvalError("missing_some requires [min, [names...]]")
	}
	minV, err := evalArg(args, 0, payload)
	if err != nil {
		return nil, err
	}
	minF, ok := toFloat(minV)
	if !ok {
		return nil, core.NewEvalError("missing_some: non-numeric minimum")
	}
	names, err := evalArg(args, 1, payload)
	if err != nil {
		return nil, err
	}
	list, _ := names.([]interface{})
	var missing []interface{}
	found := 0
	for _, n := range list {
		name, _ := n.(string)
		if lookupPath(payload, name) == nil {
			missing = append(missing, name)
		} else {
			found++
		}
	}
	if float64(found) >= minF {
		return []interface{}{}, nil
	}
	return missing, nil
}

func evalIn(args []interface{}, payload map[string]interface{}) (interface{}, error) {
	needle, err := evalArg(args, 0, payload)
	if err != nil {
		return nil, err
	}
	haystack, err := evalArg(args, 1, payload)
	if err != nil {
		return nil, err
	}
	switch h := haystack.(type) {
	case []interface{}:
		for _, el := range h {
			if looseEqual(needle, el) {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, _ := needle.(string)
		return strings.Contains(h, s), nil
	default:
		return false, nil
	}
}

func evalIf(args []interface{}, payload map[string]interface{}) (interface{}, error) {
	for i := 0; i+1 < len(args); i += 2 {
		cond, err := evalArg(args, i, payload)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return evalArg(args, i+1, payload)
		}
	}
	if len(args)%2 == 1 {
		return evalArg(args, len(args)-1, payload)
	}
	return nil, nil
}

func evalArith(op string, args []interface{}, payload map[string]interface{}) (interface{}, error) {
	nums := make([]float64, 0, len(args))
	for i := range args {
		v, err := evalArg(args, i, payload)
		if err != nil {
			return nil, err
		}
		f, ok := toFloat(v)
		if !ok {
			return nil, core.NewEvalError("%s: non-numeric operand", op)
		}
		nums = append(nums, f)
	}
	if len(nums) == 0 {
		return nil, core.NewEvalError("%s: no operands", op)
	}
	switch op {
	case "+":
		sum := 0.0
		for _, n := range nums {
			sum += n
		}
		return sum, nil
	case "-":
		if len(nums) == 1 {
			return -nums[0], nil
		}
		diff := nums[0]
		for _, n := range nums[1:] {
			diff -= n
		}
		return diff, nil
	case "*":
		prod := 1.0
		for _, n := range nums {
			prod *= n
		}
		return prod, nil
	case "/":
		if len(nums) != 2 {
			return nil, core.NewEvalError("/ requires exactly two operands")
		}
		if nums[1] == 0 {
			return nil, core.NewEvalError("/ by zero")
		}
		return nums[0] / nums[1], nil
	case "%":
		if len(nums) != 2 {
			return nil, core.NewEvalError("%% requires exactly two operands")
		}
		if nums[1] == 0 {
			return nil, core.NewEvalError("%% by zero")
		}
		return float64(int64(nums[0]) % int64(nums[1])), nil
	case "min":
		m := nums[0]
		for _, n := range nums[1:] {
			if n < m {
				m = n
			}
		}
		return m, nil
	default: // max
		m := nums[0]
		for _, n := range nums[1:] {
			if n > m {
				m = n
			}
		}
		return m, nil
	}
}

func evalCat(args []interface{}, payload map[string]interface{}) (interface{}, error) {
	var sb strings.Builder
	for i := range args {
		v, err := evalArg(args, i, payload)
		if err != nil {
			return nil, err
		}
		sb.WriteString(fmt.Sprintf("%v", v))
	}
	return sb.String(), nil
}

func evalSubstr(args []interface{}, payload map[string]interface{}) (interface{}, error) {
	sv, err := evalArg(args, 0, payload)
	if err != nil {
		return nil, err
	}
	s, _ := sv.(string)
	startV, err := evalArg(args, 1, payload)
	if err != nil {
		return nil, err
	}
	startF, ok := toFloat(startV)
	if !ok {
		return nil, core.NewEvalError("substr: non-numeric start")
	}
	start := int(startF)
	if start < 0 {
		start = len(s) + start
	}
	if start < 0 {
		start = 0
	}
	if start > len(s) {
		start = len(s)
	}
	end := len(s)
	if len(args) > 2 {
		lenV, err := evalArg(args, 2, payload)
		if err != nil {
			return nil, err
		}
		lenF, ok := toFloat(lenV)
		if !ok {
			return nil, core.NewEvalError("substr: non-numeric length")
		}
		n := int(lenF)
		if n < 0 {
			end = len(s) + n
		} else {
			end = start + n
		}
	}
	if end > len(s) {
		end = len(s)
	}
	if end < start {
		end = start
	}
	return s[start:end], nil
}

func evalLength(args []interface{}, payload map[string]interface{}) (interface{}, error) {
	v, err := evalArg(args, 0, payload)
	if err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case string:
		return float64(len(x)), nil
	case []interface{}:
		return float64(len(x)), nil
	default:
		return float64(0), nil
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// truthy implements the coercion rule: non-empty strings, non-zero
// finite numbers, and non-null objects/arrays are truthy.
func truthy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case []interface{}:
		return len(x) > 0
	case map[string]interface{}:
		return len(x) > 0
	default:
		return true
	}
}

// Describe renders a condition tree back to a readable JSON-Logic
// style string, useful in rulesys and in debug log lines.
func Describe(c *Condition) string {
	if c.Op == "" {
		bs, _ := json.Marshal(c.Leaf)
		return string(bs)
	}
	parts := make([]string, len(c.Args))
	for i, a := range c.Args {
		parts[i] = Describe(parseValue(a))
	}
	return fmt.Sprintf("{%q: [%s]}", c.Op, strings.Join(parts, ", "))
}
