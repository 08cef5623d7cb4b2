// Package outfmt selects between human text and machine JSON output.
package outfmt

import (
	"context"
	"encoding/json"
	"io"
)

type Mode string

const (
	ModeText Mode = "text"
	ModeJSON Mode = "json"
)

// FromFlags maps the --json flag to a mode.
func FromFlags(jsonOut bool) Mode {
	if jsonOut {
		return ModeJSON
	}
	return ModeText
}

type ctxKey struct{}

func WithMode(ctx context.Context, mode Mode) context.Context {
	return context.WithValue(ctx, ctxKey{}, mode)
}

func FromContext(ctx context.Context) Mode {
	if v := ctx.Value(ctxKey{}); v != nil {
		if m, ok := v.(Mode); ok {
			return m
		}
	}
	return ModeText
}

func IsJSON(ctx context.Context) bool {
	return FromContext(ctx) == ModeJSON
}

func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
