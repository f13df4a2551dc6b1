package cas

import (
	"encoding/json"
	"testing"
)

func TestNowMs(t *testing.T) {
	// Year 2024 in milliseconds is approximately 1704067200000
	if ts := NowMs(); ts < 1704067200000 {
		t.Errorf("NowMs() returned %d, expected timestamp after 2024", ts)
	}
}

func TestCanonicalJSON_SimpleObject(t *testing.T) {
	input := map[string]interface{}{"z": 1, "a": 2, "m": 3}

	result, err := CanonicalJSON(input)
	if err != nil {
		t.Fatalf("CanonicalJSON failed: %v", err)
	}
	if expected := `{"a":2,"m":3,"z":1}`; string(result) != expected {
		t.Errorf("expected %s, got %s", expected, string(result))
	}
}

func TestCanonicalJSON_NestedObject(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{"b": 1, "a": 2},
		"a": []interface{}{map[string]interface{}{"y": 1, "x": 2}},
	}

	result, err := CanonicalJSON(input)
	if err != nil {
		t.Fatalf("CanonicalJSON failed: %v", err)
	}
	if expected := `{"a":[{"x":2,"y":1}],"z":{"a":2,"b":1}}`; string(result) != expected {
		t.Errorf("expected %s, got %s", expected, string(result))
	}
}

func TestCanonicalJSON_Deterministic(t *testing.T) {
	input := map[string]interface{}{"k1": "v1", "k2": []int{3, 2, 1}, "k0": nil}
	first, err := CanonicalJSON(input)
	if err != nil {
		t.Fatalf("CanonicalJSON failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, _ := CanonicalJSON(input)
		if string(again) != string(first) {
			t.Fatalf("non-deterministic output: %s vs %s", first, again)
		}
	}
}

func TestSumDeterministic(t *testing.T) {
	a := Sum([]byte("hello"))
	b := Sum([]byte("hello"))
	c := Sum([]byte("hello!"))
	if a != b {
		t.Error("same input should hash equal")
	}
	if a == c {
		t.Error("different input should hash differently")
	}
	if a.IsZero() {
		t.Error("hash of content should not be zero")
	}
}

func TestHashTextRoundTrip(t *testing.T) {
	h := SumString("payload")
	parsed, err := ParseHash(h.String())
	if err != nil {
		t.Fatalf("ParseHash failed: %v", err)
	}
	if parsed != h {
		t.Errorf("expected %s, got %s", h, parsed)
	}
	if len(h.Short()) != 8 {
		t.Errorf("expected short form of 8 chars, got %q", h.Short())
	}

	data, err := json.Marshal(struct {
		Addr Hash `json:"addr"`
	}{h})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var out struct {
		Addr Hash `json:"addr"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out.Addr != h {
		t.Errorf("json round trip mismatch: %s vs %s", out.Addr, h)
	}
}

func TestParseHashErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not hex", "zz"},
		{"too short", "abcd"},
		{"odd length", "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseHash(tt.input); err == nil {
				t.Errorf("expected error for %q", tt.input)
			}
		})
	}
}

func TestUnmarshalEmptyIsZero(t *testing.T) {
	h := SumString("x")
	if err := h.UnmarshalText(nil); err != nil {
		t.Fatalf("UnmarshalText failed: %v", err)
	}
	if !h.IsZero() {
		t.Error("expected zero hash")
	}
}

func TestHasherCombinesParts(t *testing.T) {
	h1 := NewHasher()
	h1.WriteString("ab")
	h1.WriteString("c")

	h2 := NewHasher()
	h2.WriteString("a")
	h2.WriteString("bc")

	if h1.Sum() == h2.Sum() {
		t.Error("separator should distinguish part boundaries")
	}

	h3 := NewHasher()
	h3.WriteHash(SumString("child"))
	h4 := NewHasher()
	h4.WriteHash(SumString("child"))
	if h3.Sum() != h4.Sum() {
		t.Error("identical input should produce identical hash")
	}
}

func TestContentAddress_PayloadOrdering(t *testing.T) {
	a, err := ContentAddress("Prop", map[string]interface{}{"name": "x", "kind": "string"})
	if err != nil {
		t.Fatalf("ContentAddress failed: %v", err)
	}
	b, err := ContentAddress("Prop", map[string]interface{}{"kind": "string", "name": "x"})
	if err != nil {
		t.Fatalf("ContentAddress failed: %v", err)
	}
	if a != b {
		t.Error("key order must not affect the address")
	}

	c, _ := ContentAddress("Func", map[string]interface{}{"kind": "string", "name": "x"})
	if a == c {
		t.Error("kind must be part of the address")
	}
}
