// Package cmd implements the gdrive command-line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"golang.org/x/term"

	"github.com/TonyRHouston/GDrive/internal/outfmt"
	"github.com/TonyRHouston/GDrive/internal/ui"
)

type RootFlags struct {
	Color   string `help:"Color output: auto|always|never" default:"auto" enum:"auto,always,never"`
	Account string `help:"Account email for Drive operations" short:"a"`
	JSON    bool   `help:"Output JSON to stdout (best for scripting)" short:"j"`
	Force   bool   `help:"Skip confirmations for destructive commands" aliases:"yes" short:"y"`
	Verbose bool   `help:"Enable verbose logging" short:"v"`
}

type CLI struct {
	RootFlags `embed:""`

	Version kong.VersionFlag `help:"Print version and exit"`

	Auth       AuthCmd    `cmd:"" help:"Auth and credentials"`
	Sync       SyncCmd    `cmd:"" help:"Bidirectional Drive sync"`
	VersionCmd VersionCmd `cmd:"" name:"version" help:"Print version"`
}

type exitPanic struct{ code int }

func Execute(args []string) (err error) {
	cli := &CLI{}
	parser, err := kong.New(
		cli,
		kong.Name("gdrive"),
		kong.Description("Bidirectional sync between a local folder and Google Drive"),
		kong.Vars{"version": VersionString()},
		kong.Writers(os.Stdout, os.Stderr),
		kong.Exit(func(code int) { panic(exitPanic{code: code}) }),
	)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			if ep, ok := r.(exitPanic); ok {
				if ep.code == 0 {
					err = nil
					return
				}
				err = &ExitError{Code: ep.code, Err: errors.New("exited")}
				return
			}
			panic(r)
		}
	}()

	kctx, err := parser.Parse(args)
	if err != nil {
		var parseErr *kong.ParseError
		if errors.As(err, &parseErr) {
			fmt.Fprintln(os.Stderr, "error:", parseErr.Error())
			return &ExitError{Code: 2, Err: parseErr}
		}
		return err
	}

	logLevel := slog.LevelWarn
	if cli.Verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	ctx := context.Background()
	ctx = outfmt.WithMode(ctx, outfmt.FromFlags(cli.JSON))

	uiColor := cli.Color
	if cli.JSON || !term.IsTerminal(int(os.Stdout.Fd())) {
		uiColor = "never"
	}

	u, err := ui.New(ui.Options{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Color:  uiColor,
	})
	if err != nil {
		return err
	}
	ctx = ui.WithUI(ctx, u)

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.Bind(&cli.RootFlags)

	err = kctx.Run()
	if err == nil || ExitCode(err) == 0 {
		return nil
	}

	u.Err().Error("error: " + err.Error())
	return err
}
