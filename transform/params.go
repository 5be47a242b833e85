package transform

import "math"

// Get returns the parameter k of the type requested, or def if missing or of another type.
func Get[T any](m map[string]any, k string, def T) T {
	if v, ok := m[k]; ok {
		if cV, ok := v.(T); ok {
			return cV
		}
	}

	return def
}

// Float returns a numeric parameter, manifest decoders produce either int or float64.
func Float(m map[string]any, k string, def float64) float64 {
	if v, ok := m[k]; ok {
		if f, ok := toFloat(v); ok {
			return f
		}
	}

	return def
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
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
	default:
		return 0, false
	}
}

// Numeric reports whether v is a number, and its value as a float64.
func Numeric(v any) (float64, bool) {
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) {
		return 0, false
	}

	return f, true
}
