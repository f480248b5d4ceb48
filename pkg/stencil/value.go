package stencil

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Stringify converts a value to its page representation: strings
// verbatim, numbers without a trailing exponent, nil as empty, and
// composites as JSON.
func Stringify(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case Func:
		return "<function>"
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// Truthy reports whether a value is considered true in conditions
func Truthy(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v != ""
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	}
	return true
}

// TypeName names a value's type for error messages
func TypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "list"
	case map[string]any:
		return "map"
	case Func:
		return "function"
	}
	return fmt.Sprintf("%T", v)
}

// RegisterBuiltins defines the language's standard helpers in an
// environment. The worker runtime layers request-scoped values on top.
func RegisterBuiltins(env *Env) {
	env.Define("len", Func(func(args ...any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("len takes exactly one argument")
		}
		switch v := args[0].(type) {
		case string:
			return float64(len(v)), nil
		case []any:
			return float64(len(v)), nil
		case map[string]any:
			return float64(len(v)), nil
		case nil:
			return float64(0), nil
		}
		return nil, fmt.Errorf("len not defined on %s", TypeName(args[0]))
	}))

	env.Define("str", Func(func(args ...any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("str takes exactly one argument")
		}
		return Stringify(args[0]), nil
	}))

	env.Define("num", Func(func(args ...any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("num takes exactly one argument")
		}
		switch v := args[0].(type) {
		case float64:
			return v, nil
		case string:
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to a number", v)
			}
			return n, nil
		case bool:
			if v {
				return float64(1), nil
			}
			return float64(0), nil
		}
		return nil, fmt.Errorf("cannot convert %s to a number", TypeName(args[0]))
	}))

	env.Define("append", Func(func(args ...any) (any, error) {
		if len(args) < 1 {
			return nil, fmt.Errorf("append takes a list and values")
		}
		list, ok := args[0].([]any)
		if !ok && args[0] != nil {
			return nil, fmt.Errorf("append not defined on %s", TypeName(args[0]))
		}
		return append(list, args[1:]...), nil
	}))
}
