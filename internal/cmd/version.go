package cmd

import (
	"context"
	"os"
	"runtime"

	"github.com/TonyRHouston/GDrive/internal/outfmt"
	"github.com/TonyRHouston/GDrive/internal/ui"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// VersionString returns the human-readable version.
func VersionString() string {
	return Version
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (c *VersionCmd) Run(ctx context.Context, flags *RootFlags) error {
	if outfmt.IsJSON(ctx) {
		return outfmt.WriteJSON(os.Stdout, map[string]any{
			"version": VersionString(),
			"go":      runtime.Version(),
		})
	}

	ui.FromContext(ctx).Out().Printf("gdrive %s (%s)", VersionString(), runtime.Version())
	return nil
}
