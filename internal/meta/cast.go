package meta

import "fmt"

// toString coerces a decoded bencode value (string, or []byte from a
// byte-string) into a Go string.
func toString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	default:
		return "", fmt.Errorf("expected string, got %T", v)
	}
}

// toBytes coerces a decoded bencode value into raw bytes.
func toBytes(v any) ([]byte, error) {
	switch x := v.(type) {
	case string:
		return []byte(x), nil
	case []byte:
		return x, nil
	default:
		return nil, fmt.Errorf("expected byte string, got %T", v)
	}
}

// toInt coerces a decoded bencode integer into an int64.
func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

// toStringSlice coerces a decoded bencode list of strings into []string.
func toStringSlice(v any) ([]string, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected list, got %T", v)
	}

	out := make([]string, 0, len(arr))
	for _, el := range arr {
		s, err := toString(el)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// toTieredStrings coerces a decoded announce-list (a list of lists of
// strings) into [][]string.
func toTieredStrings(v []any) ([][]string, error) {
	out := make([][]string, 0, len(v))
	for _, tier := range v {
		strs, err := toStringSlice(tier)
		if err != nil {
			return nil, err
		}
		out = append(out, strs)
	}
	return out, nil
}
