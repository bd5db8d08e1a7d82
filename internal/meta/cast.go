package meta

import "fmt"

// The bencode decoder returns only int64, string, []any and
// map[string]any; these helpers narrow those into the shapes metainfo
// parsing expects, producing a descriptive error on mismatch instead of
// a panic.

func toInt(v any) (int64, error) {
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
	return n, nil
}

func toString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	return s, nil
}

func toBytes(v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("expected byte string, got %T", v)
	}
	return []byte(s), nil
}

func toStringSlice(v any) ([]string, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected list, got %T", v)
	}
	out := make([]string, 0, len(arr))
	for _, it := range arr {
		s, err := toString(it)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func toTieredStrings(v []any) ([][]string, error) {
	out := make([][]string, 0, len(v))
	for _, tierAny := range v {
		tier, err := toStringSlice(tierAny)
		if err != nil {
			return nil, err
		}
		out = append(out, tier)
	}
	return out, nil
}
