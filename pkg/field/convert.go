package field

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// toInt64 accepts Go integers, integral floats and json.Number.
func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return uintToInt64(uint64(n))
	case uint32:
		return int64(n), nil
	case uint64:
		return uintToInt64(n)
	case float32:
		return toInt64(float64(n))
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, constraintf("type", "expected an integer, got %v", n)
		}
		// 2^63 is exact in float64; MaxInt64 is not.
		if n >= 1<<63 || n < -(1<<63) {
			return 0, constraintf("range", "value %v is out of the 64-bit integer range", n)
		}
		return int64(n), nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, constraintf("type", "expected an integer, got %q", n.String())
		}
		return toInt64(f)
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, constraintf("type", "expected an integer, got %q", n)
		}
		return i, nil
	}
	return 0, constraintf("type", "expected an integer, got %T", v)
}

func uintToInt64(n uint64) (int64, error) {
	if n > math.MaxInt64 {
		return 0, constraintf("range", "value %d is out of the 64-bit integer range", n)
	}
	return int64(n), nil
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, constraintf("type", "expected a number, got %q", n.String())
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, constraintf("type", "expected a number, got %q", n)
		}
		return f, nil
	}
	return 0, constraintf("type", "expected a number, got %T", v)
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, constraintf("type", "expected a boolean, got %q", b)
		}
		return parsed, nil
	}
	return false, constraintf("type", "expected a boolean, got %T", v)
}

func toString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case fmt.Stringer:
		return s.String(), nil
	}
	return "", constraintf("type", "expected a string, got %T", v)
}

// optionalInt reads an integer constraint from a wire record.
func optionalInt(rec Record, key string) (*int64, error) {
	raw, ok := rec[key]
	if !ok || raw == nil {
		return nil, nil
	}
	n, err := toInt64(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return &n, nil
}

func optionalFloat(rec Record, key string) (*float64, error) {
	raw, ok := rec[key]
	if !ok || raw == nil {
		return nil, nil
	}
	n, err := toFloat64(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return &n, nil
}

func optionalLength(rec Record, key string) (*int, error) {
	n, err := optionalInt(rec, key)
	if err != nil || n == nil {
		return nil, err
	}
	l := int(*n)
	return &l, nil
}

// roundTrip converts an arbitrary JSON-shaped value into T.
func roundTrip[T any](v any) (T, error) {
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}

// toMap converts a struct value into its JSON object form.
func toMap(v any) map[string]any {
	m, err := roundTrip[map[string]any](v)
	if err != nil {
		return nil
	}
	return m
}

func ptr[T any](v T) *T {
	return &v
}
