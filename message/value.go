package message

import (
	"math"

	"github.com/pkg/errors"
)

// Normalize converts v into one of the value kinds the wire format carries:
// nil, bool, int64, float64, string, []byte, []any and map[string]any.
// Every Go integer kind becomes int64 and float32 becomes float64. Unsigned
// values above math.MaxInt64 are rejected.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, int64, float64, string, []byte:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, errors.Errorf("value %d overflows int64", x)
		}
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, errors.Errorf("value %d overflows int64", x)
		}
		return int64(x), nil
	case float32:
		return float64(x), nil
	case []string:
		out := make([]any, 0, len(x))
		for _, s := range x {
			out = append(out, s)
		}
		return out, nil
	case []any:
		out := make([]any, 0, len(x))
		for _, e := range x {
			n, err := Normalize(e)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			n, err := Normalize(e)
			if err != nil {
				return nil, errors.WithMessagef(err, "key %q", k)
			}
			out[k] = n
		}
		return out, nil
	default:
		return nil, errors.Errorf("unsupported value type %T", v)
	}
}

// NormalizeArgs normalizes every element of an argument list.
func NormalizeArgs(args []any) ([]any, error) {
	out := make([]any, 0, len(args))
	for i, a := range args {
		n, err := Normalize(a)
		if err != nil {
			return nil, errors.WithMessagef(err, "argument %d", i)
		}
		out = append(out, n)
	}
	return out, nil
}
