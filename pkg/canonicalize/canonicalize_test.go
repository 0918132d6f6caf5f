package canonicalize

import (
	"strings"
	"testing"
)

func TestJCSSortsKeys(t *testing.T) {
	got, err := JCS(map[string]any{"b": 2, "a": 1, "c": 3})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":1,"b":2,"c":3}`
	if string(got) != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	got, err := JCS(map[string]any{"url": "a<b>&c"})
	if err != nil {
		t.Fatal(err)
	}
	// RFC 8785 mandates minimal escaping: encoding/json's \u003c style
	// HTML escapes must not survive canonicalization.
	if strings.Contains(string(got), `\u003c`) {
		t.Fatalf("HTML escaping leaked into canonical form: %s", got)
	}
	if !strings.Contains(string(got), `a<b>&c`) {
		t.Fatalf("expected literal string in canonical form: %s", got)
	}
}

func TestHashStableAcrossKeyOrder(t *testing.T) {
	h1, err := Hash(map[string]any{"x": 1, "y": "z"})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(map[string]any{"y": "z", "x": 1})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("hash not stable: %s vs %s", h1, h2)
	}
	if !strings.HasPrefix(h1, "sha256:") {
		t.Fatalf("expected sha256 prefix, got %s", h1)
	}
}

func TestHashDiffersOnContent(t *testing.T) {
	h1, _ := Hash(map[string]any{"x": 1})
	h2, _ := Hash(map[string]any{"x": 2})
	if h1 == h2 {
		t.Fatal("distinct payloads must not collide")
	}
}

func TestHashNestedStructures(t *testing.T) {
	h1, err := Hash(map[string]any{"outer": map[string]any{"b": []any{1, 2}, "a": "v"}})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(map[string]any{"outer": map[string]any{"a": "v", "b": []any{1, 2}}})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatal("nested maps must canonicalize identically")
	}
}
