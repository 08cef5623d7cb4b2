package outfmt

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestModeThroughContext(t *testing.T) {
	ctx := context.Background()
	if IsJSON(ctx) {
		t.Fatal("default mode should be text")
	}

	ctx = WithMode(ctx, FromFlags(true))
	if !IsJSON(ctx) {
		t.Fatal("json flag should select JSON mode")
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, map[string]any{"a": "<b>"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"a": "<b>"`) {
		t.Fatalf("HTML escaping should be off: %q", out)
	}
}
