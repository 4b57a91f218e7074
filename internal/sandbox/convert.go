package sandbox

import (
	"fmt"
	"math"
	"sort"

	"go.starlark.net/starlark"
)

// maxConvertDepth bounds value nesting in both directions. Adversarial
// source can build arbitrarily deep structures; conversion must not be the
// place where the host's stack pays for that.
const maxConvertDepth = 64

// toStarlark converts a JSON-shaped Go value into a Starlark value.
// Integral float64s become ints so that arithmetic on JSON numbers behaves
// like the author expects.
func toStarlark(v any, depth int) (starlark.Value, error) {
	if depth > maxConvertDepth {
		return nil, fmt.Errorf("argument nesting exceeds depth %d", maxConvertDepth)
	}
	switch v := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(v), nil
	case string:
		return starlark.String(v), nil
	case int:
		return starlark.MakeInt(v), nil
	case int64:
		return starlark.MakeInt64(v), nil
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return starlark.MakeInt64(int64(v)), nil
		}
		return starlark.Float(v), nil
	case []any:
		elems := make([]starlark.Value, len(v))
		for i, e := range v {
			sv, err := toStarlark(e, depth+1)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		d := starlark.NewDict(len(v))
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sv, err := toStarlark(v[k], depth+1)
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	default:
		return nil, fmt.Errorf("argument of type %T is not supported", v)
	}
}

// fromStarlark converts a Starlark value back into a JSON-shaped Go value.
// Functions, modules, and other opaque types are rejected: a tool's result
// must be plain data.
func fromStarlark(v starlark.Value, depth int) (any, error) {
	if depth > maxConvertDepth {
		return nil, fmt.Errorf("result nesting exceeds depth %d", maxConvertDepth)
	}
	switch v := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(v), nil
	case starlark.String:
		return string(v), nil
	case starlark.Int:
		i, ok := v.Int64()
		if !ok {
			return nil, fmt.Errorf("integer result does not fit in 64 bits")
		}
		return i, nil
	case starlark.Float:
		return float64(v), nil
	case *starlark.List:
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			e, err := fromStarlark(v.Index(i), depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case starlark.Tuple:
		out := make([]any, len(v))
		for i, e := range v {
			ge, err := fromStarlark(e, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = ge
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, v.Len())
		for _, item := range v.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("dict result keys must be strings, got %s", item[0].Type())
			}
			val, err := fromStarlark(item[1], depth+1)
			if err != nil {
				return nil, err
			}
			out[key] = val
		}
		return out, nil
	default:
		return nil, fmt.Errorf("result of type %s is not plain data", v.Type())
	}
}
