package route

import (
	"reflect"
	"strings"
)

// MatchHeaders applies headers exchange semantics. Binding arguments whose
// names start with "x-" are ignored for matching. With "x-match" set to
// "any" one matching argument is enough; otherwise ("all", the default)
// every argument must match. An argument with a nil value matches on the
// presence of the header alone.
func MatchHeaders(args, headers map[string]any) bool {
	mode, _ := args["x-match"].(string)
	anyMode := strings.HasPrefix(strings.ToLower(mode), "any")

	for k, want := range args {
		if strings.HasPrefix(k, "x-") {
			continue
		}
		got, ok := headers[k]
		hit := ok && (want == nil || equalValue(want, got))
		if anyMode && hit {
			return true
		}
		if !anyMode && !hit {
			return false
		}
	}
	return !anyMode
}

// equalValue compares header values, treating integers and floats of
// different widths as equal when they hold the same number. AMQP tables
// arrive with the widths the publisher chose.
func equalValue(a, b any) bool {
	if na, ok := toFloat(a); ok {
		if nb, ok := toFloat(b); ok {
			return na == nb
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
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
	}
	return 0, false
}
