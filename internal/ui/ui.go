// Package ui carries the command output printers through the context.
package ui

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Printer writes one line per call to its destination.
type Printer struct {
	w     io.Writer
	color bool
}

// Printf writes a formatted line.
func (p *Printer) Printf(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

// Println writes a plain line.
func (p *Printer) Println(s string) {
	fmt.Fprintln(p.w, s)
}

// Error writes an error line, in red when the UI was built with Color
// "always"; "auto" and "never" write it uncolored.
func (p *Printer) Error(s string) {
	if p.color {
		fmt.Fprintf(p.w, "\x1b[31m%s\x1b[0m\n", s)
		return
	}
	fmt.Fprintln(p.w, s)
}

// UI bundles the stdout and stderr printers.
type UI struct {
	out *Printer
	err *Printer
}

// Out returns the stdout printer.
func (u *UI) Out() *Printer { return u.out }

// Err returns the stderr printer.
func (u *UI) Err() *Printer { return u.err }

// Options configures a UI.
type Options struct {
	Stdout io.Writer
	Stderr io.Writer
	// Color is auto, always or never.
	Color string
}

// New validates the options and builds a UI.
func New(opts Options) (*UI, error) {
	var color bool
	switch opts.Color {
	case "", "auto", "never":
		color = false
	case "always":
		color = true
	default:
		return nil, errors.New("invalid --color (expected auto|always|never)")
	}

	return &UI{
		out: &Printer{w: opts.Stdout, color: color},
		err: &Printer{w: opts.Stderr, color: color},
	}, nil
}

type ctxKey struct{}

// WithUI attaches a UI to the context.
func WithUI(ctx context.Context, u *UI) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// FromContext returns the context's UI, or nil.
func FromContext(ctx context.Context) *UI {
	if v := ctx.Value(ctxKey{}); v != nil {
		if u, ok := v.(*UI); ok {
			return u
		}
	}
	return nil
}
