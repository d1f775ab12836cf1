package canonjson

import "testing"

func TestMarshal_SortsKeysAndNormalizesNumbers(t *testing.T) {
	got, err := Marshal(map[string]any{"b": 2.0, "a": 1})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"a":1,"b":2}`
	if string(got) != want {
		t.Fatalf("Marshal = %s, want %s", got, want)
	}
}

func TestEqual_NumberForms(t *testing.T) {
	if !Equal(map[string]any{"value": 2.0}, map[string]any{"value": 2}) {
		t.Fatalf("2.0 and 2 should be canonically equal")
	}
	if Equal(map[string]any{"value": 2}, map[string]any{"value": 3}) {
		t.Fatalf("2 and 3 should not be equal")
	}
}

func TestEqual_NestedStructures(t *testing.T) {
	a := map[string]any{"value": []any{map[string]any{"x": 1, "y": "s"}}}
	b := map[string]any{"value": []any{map[string]any{"y": "s", "x": 1.0}}}
	if !Equal(a, b) {
		t.Fatalf("nested structures with same content should be equal")
	}
	if Equal([]any{1, 2}, []any{2, 1}) {
		t.Fatalf("array order is significant")
	}
}

func TestEqualRaw(t *testing.T) {
	if !EqualRaw([]byte(`{"value": 19.98}`), []byte(`{ "value" : 19.98 }`)) {
		t.Fatalf("whitespace must not affect comparison")
	}
	if EqualRaw([]byte(`{"value": 1}`), []byte(`not json`)) {
		t.Fatalf("malformed JSON should never compare equal")
	}
}

func TestHash_Stable(t *testing.T) {
	h1, err := Hash(map[string]any{"price": 10, "name": "widget"})
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	h2, err := Hash(map[string]any{"name": "widget", "price": 10.0})
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash should be independent of key order and number form: %s vs %s", h1, h2)
	}
	h3, _ := Hash(map[string]any{"price": 11, "name": "widget"})
	if h1 == h3 {
		t.Fatalf("different inputs must hash differently")
	}
}
