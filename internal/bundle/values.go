package bundle

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
)

// ValuesEqual reports whether two value trees render identically. Both sides
// are normalized through JSON first, so numeric types and nil versus empty
// maps do not cause spurious differences.
func ValuesEqual(a, b map[string]any) (bool, error) {
	na, err := normalize(a)
	if err != nil {
		return false, err
	}
	nb, err := normalize(b)
	if err != nil {
		return false, err
	}
	return reflect.DeepEqual(na, nb), nil
}

func normalize(values map[string]any) (map[string]any, error) {
	out := map[string]any{}
	if len(values) == 0 {
		return out, nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("failed to encode values: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode values: %w", err)
	}
	return out, nil
}

// DecodeValues converts the free-form values of a component into a map. A
// nil or empty document yields an empty map; anything but an object is an
// error.
func DecodeValues(values *apiextensionsv1.JSON) (map[string]any, error) {
	out := map[string]any{}
	if values == nil || len(values.Raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(values.Raw, &out); err != nil {
		return nil, fmt.Errorf("values must be a JSON object: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// MergeValues deep-merges override into base and returns the result. Nested
// maps merge key by key; any other override value replaces the base value.
// Neither input is modified.
func MergeValues(base, override map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = map[string]any{}
	}
	for k, v := range override {
		if vm, ok := v.(map[string]any); ok {
			if bm, ok := out[k].(map[string]any); ok {
				out[k] = MergeValues(bm, vm)
				continue
			}
			out[k] = MergeValues(nil, vm)
			continue
		}
		out[k] = v
	}
	return out
}

// setPath sets a nested value, creating intermediate maps.
func setPath(values map[string]any, value any, keys ...string) {
	m := values
	for _, k := range keys[:len(keys)-1] {
		next, ok := m[k].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[k] = next
		}
		m = next
	}
	m[keys[len(keys)-1]] = value
}
