package datatree

import (
	"encoding/json"
	"reflect"
	"sort"
)

// Normalize deep-copies v into the tree's value vocabulary: map[string]any,
// []any, string, float64 and bool. Nil map entries are dropped. Values of
// other types go through a JSON round trip.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string, bool, float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case int32:
		return float64(x)
	case uint:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return x.String()
		}
		return f
	case map[string]any:
		result := make(map[string]any, len(x))
		for key, value := range x {
			if value == nil {
				continue
			}
			result[key] = Normalize(value)
		}
		return result
	case []any:
		result := make([]any, len(x))
		for i, value := range x {
			result[i] = Normalize(value)
		}
		return result
	case []string:
		result := make([]any, len(x))
		for i, value := range x {
			result[i] = value
		}
		return result
	}
	return normalizeReflect(v)
}

func normalizeReflect(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			result := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				value := iter.Value().Interface()
				if value == nil {
					continue
				}
				result[iter.Key().String()] = Normalize(value)
			}
			return result
		}
	case reflect.Slice, reflect.Array:
		result := make([]any, rv.Len())
		for i := range result {
			result[i] = Normalize(rv.Index(i).Interface())
		}
		return result
	case reflect.Int, reflect.Int8, reflect.Int16:
		return float64(rv.Int())
	case reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return float64(rv.Uint())
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var result any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// StringList converts a list value to strings, skipping non-strings.
func StringList(v any) []string {
	switch x := v.(type) {
	case []string:
		return append([]string(nil), x...)
	case []any:
		result := make([]string, 0, len(x))
		for _, item := range x {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	}
	return nil
}

// AnyList converts strings to a tree list value.
func AnyList(s []string) []any {
	result := make([]any, len(s))
	for i, item := range s {
		result[i] = item
	}
	return result
}

// SortedKeys returns the keys of m in sorted order.
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
