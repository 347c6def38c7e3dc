// Package evaluator implements the routing-rule condition language: a small
// Mongo-style JSON DSL evaluated against a message context. It is a pure,
// deterministic function of (rule, ctx) — no I/O, no hidden state.
package evaluator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// UnsupportedOperatorError is returned for any "$xyz" key the DSL doesn't
// recognize.
type UnsupportedOperatorError struct {
	Operator string
}

func (e *UnsupportedOperatorError) Error() string {
	return fmt.Sprintf("evaluator: unsupported operator %q", e.Operator)
}

// Eval evaluates rule against ctx and returns whether it matches. rule may
// be a bool, a []interface{} (implicit AND), or a map[string]interface{}
// holding logical keys ($and/$or/$not) or field-path predicates.
func Eval(rule interface{}, ctx map[string]interface{}) (bool, error) {
	ctxJSON, err := json.Marshal(ctx)
	if err != nil {
		return false, fmt.Errorf("evaluator: marshal context: %w", err)
	}
	return eval(rule, ctxJSON)
}

func eval(rule interface{}, ctxJSON []byte) (bool, error) {
	switch r := rule.(type) {
	case bool:
		return r, nil
	case nil:
		return false, nil
	case []interface{}:
		for _, sub := range r {
			ok, err := eval(sub, ctxJSON)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case map[string]interface{}:
		return evalObject(r, ctxJSON)
	default:
		return false, nil
	}
}

func evalObject(rule map[string]interface{}, ctxJSON []byte) (bool, error) {
	if and, ok := rule["$and"]; ok {
		list, _ := and.([]interface{})
		for _, sub := range list {
			ok, err := eval(sub, ctxJSON)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}
	if or, ok := rule["$or"]; ok {
		list, _ := or.([]interface{})
		for _, sub := range list {
			ok, err := eval(sub, ctxJSON)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	if not, ok := rule["$not"]; ok {
		ok, err := eval(not, ctxJSON)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}

	for field, cond := range rule {
		val := getByPath(ctxJSON, field)
		condMap, isMap := cond.(map[string]interface{})
		if !isMap || !hasOperatorKey(condMap) {
			// shorthand equality: {"field": literal}
			if !valuesEqual(val, cond) {
				return false, nil
			}
			continue
		}
		for op, arg := range condMap {
			ok, err := applyOperator(op, val, arg, ctxJSON)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
	}
	return true, nil
}

func hasOperatorKey(m map[string]interface{}) bool {
	for k := range m {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

// getByPath resolves a dot-separated field path against the context JSON.
// A missing path yields nil.
func getByPath(ctxJSON []byte, path string) interface{} {
	res := gjson.GetBytes(ctxJSON, path)
	if !res.Exists() {
		return nil
	}
	return res.Value()
}

func applyOperator(op string, val, arg interface{}, ctxJSON []byte) (bool, error) {
	switch op {
	case "$eq":
		return valuesEqual(val, arg), nil
	case "$ne":
		return !valuesEqual(val, arg), nil
	case "$gt", "$gte", "$lt", "$lte":
		return compare(op, val, arg)
	case "$in":
		return inSlice(val, arg), nil
	case "$nin":
		return !inSlice(val, arg), nil
	case "$exists":
		want, _ := arg.(bool)
		return (val != nil) == want, nil
	case "$regex":
		return regexMatch(val, arg)
	case "$contains":
		return contains(val, arg), nil
	case "$startswith":
		s, ok := val.(string)
		needle := fmt.Sprintf("%v", arg)
		return ok && strings.HasPrefix(s, needle), nil
	case "$endswith":
		s, ok := val.(string)
		needle := fmt.Sprintf("%v", arg)
		return ok && strings.HasSuffix(s, needle), nil
	case "$between":
		return between(val, arg), nil
	case "$elemMatch":
		list, ok := val.([]interface{})
		if !ok {
			return false, nil
		}
		var base map[string]interface{}
		if err := json.Unmarshal(ctxJSON, &base); err != nil {
			base = map[string]interface{}{}
		}
		for _, elem := range list {
			sub := make(map[string]interface{}, len(base)+1)
			for k, v := range base {
				sub[k] = v
			}
			sub["this"] = elem
			subJSON, err := json.Marshal(sub)
			if err != nil {
				continue
			}
			ok2, err := eval(arg, subJSON)
			if err == nil && ok2 {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, &UnsupportedOperatorError{Operator: op}
	}
}

// promoteTime promotes an ISO-8601 string into a time.Time for ordered
// comparison; any other value (or an unparseable string) passes through
// unchanged.
func promoteTime(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return v
}

func valuesEqual(a, b interface{}) bool {
	a, b = promoteTime(a), promoteTime(b)
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Equal(bt)
		}
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func compare(op string, a, b interface{}) (bool, error) {
	a, b = promoteTime(a), promoteTime(b)
	if at, aok := a.(time.Time); aok {
		bt, bok := b.(time.Time)
		if !bok {
			return false, nil
		}
		switch op {
		case "$gt":
			return at.After(bt), nil
		case "$gte":
			return at.After(bt) || at.Equal(bt), nil
		case "$lt":
			return at.Before(bt), nil
		case "$lte":
			return at.Before(bt) || at.Equal(bt), nil
		}
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if !aok || !bok {
		return false, nil
	}
	switch op {
	case "$gt":
		return af > bf, nil
	case "$gte":
		return af >= bf, nil
	case "$lt":
		return af < bf, nil
	case "$lte":
		return af <= bf, nil
	}
	return false, &UnsupportedOperatorError{Operator: op}
}

func inSlice(val, arg interface{}) bool {
	list, ok := arg.([]interface{})
	if !ok {
		return false
	}
	for _, item := range list {
		if valuesEqual(val, item) {
			return true
		}
	}
	return false
}

func regexMatch(val, spec interface{}) (bool, error) {
	s, ok := val.(string)
	if !ok {
		return false, nil
	}
	var pattern, flags string
	switch sp := spec.(type) {
	case map[string]interface{}:
		pattern, _ = sp["pattern"].(string)
		flags, _ = sp["flags"].(string)
	default:
		pattern = fmt.Sprintf("%v", spec)
	}
	prefix := ""
	if strings.Contains(flags, "i") {
		prefix += "i"
	}
	if strings.Contains(flags, "m") {
		prefix += "m"
	}
	if prefix != "" {
		pattern = "(?" + prefix + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("evaluator: bad $regex pattern: %w", err)
	}
	return re.MatchString(s), nil
}

func contains(container, needle interface{}) bool {
	switch c := container.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(c, n)
	case []interface{}:
		for _, item := range c {
			if valuesEqual(item, needle) {
				return true
			}
		}
	}
	return false
}

func between(val, rng interface{}) bool {
	list, ok := rng.([]interface{})
	if !ok || len(list) != 2 {
		return false
	}
	v, lo, hi := promoteTime(val), promoteTime(list[0]), promoteTime(list[1])
	if vt, ok := v.(time.Time); ok {
		lt, lok := lo.(time.Time)
		ht, hok := hi.(time.Time)
		if !lok || !hok {
			return false
		}
		return !vt.Before(lt) && !vt.After(ht)
	}
	vf, vok := asFloat(v)
	lf, lok := asFloat(lo)
	hf, hok := asFloat(hi)
	return vok && lok && hok && lf <= vf && vf <= hf
}
