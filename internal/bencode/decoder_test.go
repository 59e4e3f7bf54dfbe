package bencode

import (
	"reflect"
	"testing"
)

func TestUnmarshal_Primitives(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want any
	}{
		{"string", "4:spam", "spam"},
		{"empty-string", "0:", ""},
		{"int-positive", "i42e", int64(42)},
		{"int-negative", "i-7e", int64(-7)},
		{"int-zero", "i0e", int64(0)},
		{"list", "l4:spam4:eggse", []any{"spam", "eggs"}},
		{
			"dict",
			"d3:bar4:spam3:fooi42ee",
			map[string]any{"bar": "spam", "foo": int64(42)},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Unmarshal([]byte(tc.in))
			if err != nil {
				t.Fatalf("Unmarshal(%q) error: %v", tc.in, err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Unmarshal(%q) = %#v, want %#v", tc.in, got, tc.want)
			}
		})
	}
}

func TestUnmarshal_Errors(t *testing.T) {
	tests := []string{
		"i01e",    // leading zero
		"i-0e",    // negative zero
		"5:abc",   // string shorter than declared length
		"d3:fooe", // dict with dangling key, no value
		"li1e",    // unterminated list
		"4:spam1", // trailing data
	}

	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			if _, err := Unmarshal([]byte(in)); err == nil {
				t.Fatalf("Unmarshal(%q) expected error, got nil", in)
			}
		})
	}
}

func TestUnmarshalWithSpan(t *testing.T) {
	infoDict := "d6:lengthi1024e4:name5:ubntue"
	data := []byte("d8:announce14:http://tracker4:info" + infoDict + "e")

	_, raw, err := UnmarshalWithSpan(data, "info")
	if err != nil {
		t.Fatalf("UnmarshalWithSpan error: %v", err)
	}
	if string(raw) != infoDict {
		t.Fatalf("raw span = %q, want %q", raw, infoDict)
	}

	// The span must decode on its own as the same dict the top-level parse saw.
	decoded, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("re-decoding raw span: %v", err)
	}
	m, ok := decoded.(map[string]any)
	if !ok || m["name"] != "ubntu" {
		t.Fatalf("unexpected decoded span: %#v", decoded)
	}
}

func TestUnmarshalWithSpan_MissingKey(t *testing.T) {
	data := []byte("d8:announce14:http://trackere")

	_, raw, err := UnmarshalWithSpan(data, "info")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if raw != nil {
		t.Fatalf("expected nil raw span for missing key, got %q", raw)
	}
}
