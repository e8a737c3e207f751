package condition

import (
	"encoding/json"
	"fmt"
	"net"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// patterns memoizes compiled regex operands; conditions are evaluated on
// every check and their patterns rarely change.
var patterns, _ = lru.New[string, *regexp.Regexp](512)

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if re, ok := patterns.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid regex %q: %w", ErrInvalid, pattern, err)
	}
	patterns.Add(pattern, re)
	return re, nil
}

// Evaluate reports whether e holds in ctx. Errors are returned only for
// malformed expressions, never for a condition that simply does not hold.
func (e Expr) Evaluate(ctx Context) (bool, error) {
	switch e.Op {
	case OpAnd:
		if len(e.Args) == 0 {
			return false, fmt.Errorf("%w: %q needs at least one argument", ErrInvalid, e.Op)
		}
		for _, a := range e.Args {
			ok, err := a.Evaluate(ctx)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OpOr:
		if len(e.Args) == 0 {
			return false, fmt.Errorf("%w: %q needs at least one argument", ErrInvalid, e.Op)
		}
		for _, a := range e.Args {
			ok, err := a.Evaluate(ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case OpNot:
		if len(e.Args) != 1 {
			return false, fmt.Errorf("%w: %q takes exactly one argument", ErrInvalid, e.Op)
		}
		ok, err := e.Args[0].Evaluate(ctx)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}

	if e.Field == "" {
		return false, fmt.Errorf("%w: %q requires a field", ErrInvalid, e.Op)
	}
	actual, present := ctx.Lookup(e.Field)

	switch e.Op {
	case OpExists:
		return present && actual != nil, nil
	case OpNotExists:
		return !present || actual == nil, nil
	}

	expected := e.Value
	if e.Ref != "" {
		v, ok := ctx.Lookup(e.Ref)
		if !ok {
			return false, checkOp(e.Op)
		}
		expected = v
	}
	if !present || actual == nil {
		return false, checkOp(e.Op)
	}
	return compare(e.Op, actual, expected)
}

// Validate checks the tree for unknown operators, missing fields, bad
// arity and uncompilable patterns without evaluating it.
func (e Expr) Validate() error {
	switch e.Op {
	case OpAnd, OpOr:
		if len(e.Args) == 0 {
			return fmt.Errorf("%w: %q needs at least one argument", ErrInvalid, e.Op)
		}
		for _, a := range e.Args {
			if err := a.Validate(); err != nil {
				return err
			}
		}
		return nil
	case OpNot:
		if len(e.Args) != 1 {
			return fmt.Errorf("%w: %q takes exactly one argument", ErrInvalid, e.Op)
		}
		return e.Args[0].Validate()
	}
	if err := checkOp(e.Op); err != nil {
		return err
	}
	if e.Field == "" {
		return fmt.Errorf("%w: %q requires a field", ErrInvalid, e.Op)
	}
	if len(e.Args) > 0 {
		return fmt.Errorf("%w: leaf %q cannot have arguments", ErrInvalid, e.Op)
	}
	if e.Op == OpRegex && e.Ref == "" {
		if _, err := compilePattern(fmt.Sprint(e.Value)); err != nil {
			return err
		}
	}
	return nil
}

func checkOp(op Op) error {
	switch op {
	case OpEq, OpNeq, OpIn, OpNotIn, OpGt, OpGte, OpLt, OpLte,
		OpContains, OpStartsWith, OpEndsWith, OpExists, OpNotExists,
		OpIPInCIDR, OpTimeAfter, OpTimeBefore, OpRegex:
		return nil
	default:
		return fmt.Errorf("%w: unknown operator %q", ErrInvalid, op)
	}
}

func compare(op Op, actual, expected any) (bool, error) {
	switch op {
	case OpEq:
		return equal(actual, expected), nil
	case OpNeq:
		return !equal(actual, expected), nil
	case OpIn:
		return inSlice(actual, expected), nil
	case OpNotIn:
		return !inSlice(actual, expected), nil
	case OpContains:
		if items, ok := sliceOf(actual); ok {
			return inSlice(expected, items), nil
		}
		return strings.Contains(fmt.Sprint(actual), fmt.Sprint(expected)), nil
	case OpStartsWith:
		return strings.HasPrefix(fmt.Sprint(actual), fmt.Sprint(expected)), nil
	case OpEndsWith:
		return strings.HasSuffix(fmt.Sprint(actual), fmt.Sprint(expected)), nil
	case OpGt, OpGte, OpLt, OpLte:
		a, okA := toFloat64(actual)
		b, okB := toFloat64(expected)
		if !okA || !okB {
			return false, nil
		}
		switch op {
		case OpGt:
			return a > b, nil
		case OpGte:
			return a >= b, nil
		case OpLt:
			return a < b, nil
		default:
			return a <= b, nil
		}
	case OpIPInCIDR:
		return ipInCIDR(fmt.Sprint(actual), expected), nil
	case OpTimeAfter:
		return timeCompare(actual, expected, true), nil
	case OpTimeBefore:
		return timeCompare(actual, expected, false), nil
	case OpRegex:
		re, err := compilePattern(fmt.Sprint(expected))
		if err != nil {
			return false, err
		}
		return re.MatchString(fmt.Sprint(actual)), nil
	default:
		return false, checkOp(op)
	}
}

// equal compares numerically when both sides are numbers so that JSON
// decoded float64 values match Go ints.
func equal(a, b any) bool {
	fa, okA := toFloat64(a)
	fb, okB := toFloat64(b)
	if okA && okB {
		return fa == fb
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func sliceOf(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func inSlice(actual, expected any) bool {
	items, ok := sliceOf(expected)
	if !ok {
		return equal(actual, expected)
	}
	for _, item := range items {
		if equal(actual, item) {
			return true
		}
	}
	return false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func ipInCIDR(ipStr string, cidrVal any) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	var cidrs []string
	if items, ok := sliceOf(cidrVal); ok {
		for _, item := range items {
			cidrs = append(cidrs, fmt.Sprint(item))
		}
	} else {
		cidrs = []string{fmt.Sprint(cidrVal)}
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func timeCompare(actual, expected any, after bool) bool {
	at, ok := parseTime(actual)
	if !ok {
		return false
	}
	et, ok := parseTime(expected)
	if !ok {
		return false
	}
	if after {
		return at.After(et)
	}
	return at.Before(et)
}

func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}
