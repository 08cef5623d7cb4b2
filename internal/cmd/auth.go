package cmd

import (
	"context"
	"os"
	"strings"

	"github.com/TonyRHouston/GDrive/internal/config"
	"github.com/TonyRHouston/GDrive/internal/googleauth"
	"github.com/TonyRHouston/GDrive/internal/outfmt"
	"github.com/TonyRHouston/GDrive/internal/secrets"
	"github.com/TonyRHouston/GDrive/internal/ui"
)

// AuthCmd groups credential management.
type AuthCmd struct {
	Add         AuthAddCmd         `cmd:"" help:"Store a refresh token for an account"`
	Remove      AuthRemoveCmd      `cmd:"" help:"Remove a stored refresh token"`
	Status      AuthStatusCmd      `cmd:"" help:"Show stored accounts and client credentials"`
	Credentials AuthCredentialsCmd `cmd:"" help:"Import an OAuth client credentials.json"`
}

// AuthAddCmd stores a refresh token obtained out of band (the OAuth flow
// runs in the companion auth helper, not in this binary).
type AuthAddCmd struct {
	Email        string `arg:"" help:"Account email"`
	RefreshToken string `name:"refresh-token" required:"" help:"OAuth refresh token for the account"`
}

func (c *AuthAddCmd) Run(ctx context.Context, flags *RootFlags) error {
	email := strings.TrimSpace(c.Email)
	if email == "" {
		return usage("empty email")
	}

	scopes, err := googleauth.Scopes(googleauth.ServiceDrive)
	if err != nil {
		return err
	}

	store, err := secrets.OpenDefault()
	if err != nil {
		return err
	}

	if err := store.SetToken(email, secrets.Token{
		RefreshToken: strings.TrimSpace(c.RefreshToken),
		Scopes:       scopes,
	}); err != nil {
		return err
	}

	if outfmt.IsJSON(ctx) {
		return outfmt.WriteJSON(os.Stdout, map[string]any{"stored": true, "email": email})
	}

	ui.FromContext(ctx).Out().Printf("stored\ttrue")
	return nil
}

// AuthRemoveCmd deletes a stored refresh token.
type AuthRemoveCmd struct {
	Email string `arg:"" help:"Account email"`
}

func (c *AuthRemoveCmd) Run(ctx context.Context, flags *RootFlags) error {
	email := strings.TrimSpace(c.Email)
	if email == "" {
		return usage("empty email")
	}

	store, err := secrets.OpenDefault()
	if err != nil {
		return err
	}

	if err := store.DeleteToken(email); err != nil {
		return err
	}

	if outfmt.IsJSON(ctx) {
		return outfmt.WriteJSON(os.Stdout, map[string]any{"removed": true, "email": email})
	}

	ui.FromContext(ctx).Out().Printf("removed\ttrue")
	return nil
}

// AuthStatusCmd lists stored accounts.
type AuthStatusCmd struct{}

func (c *AuthStatusCmd) Run(ctx context.Context, flags *RootFlags) error {
	u := ui.FromContext(ctx)

	store, err := secrets.OpenDefault()
	if err != nil {
		return err
	}

	accounts, err := store.ListAccounts()
	if err != nil {
		return err
	}

	_, credsErr := config.ReadClientCredentials()
	hasCreds := credsErr == nil

	if outfmt.IsJSON(ctx) {
		return outfmt.WriteJSON(os.Stdout, map[string]any{
			"accounts":           accounts,
			"client_credentials": hasCreds,
		})
	}

	if hasCreds {
		u.Out().Printf("client_credentials\tpresent")
	} else {
		u.Out().Printf("client_credentials\tmissing")
	}
	for _, a := range accounts {
		u.Out().Printf("account\t%s", a)
	}
	if len(accounts) == 0 {
		u.Err().Println("No accounts stored (use 'gdrive auth add')")
	}
	return nil
}

// AuthCredentialsCmd imports a Google OAuth client JSON file.
type AuthCredentialsCmd struct {
	Path string `arg:"" help:"Path to credentials.json downloaded from the Google Cloud console"`
}

func (c *AuthCredentialsCmd) Run(ctx context.Context, flags *RootFlags) error {
	b, err := os.ReadFile(c.Path)
	if err != nil {
		return err
	}

	creds, err := config.ParseGoogleOAuthClientJSON(b)
	if err != nil {
		return err
	}

	if err := config.WriteClientCredentials(creds); err != nil {
		return err
	}

	if outfmt.IsJSON(ctx) {
		return outfmt.WriteJSON(os.Stdout, map[string]any{"imported": true})
	}

	ui.FromContext(ctx).Out().Printf("imported\ttrue")
	return nil
}
