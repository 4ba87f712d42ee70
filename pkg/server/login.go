package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/NicolasHaas/roomrelay/pkg/auth"
	"github.com/NicolasHaas/roomrelay/pkg/crypto"
	"github.com/NicolasHaas/roomrelay/pkg/datastore"
	"github.com/NicolasHaas/roomrelay/pkg/model"
)

// Profile is the identity an external provider reports after login.
type Profile struct {
	ExternalID  string
	DisplayName string
	AvatarRef   string
	Email       string
}

// NewAuthenticator builds the session authenticator from cfg. An empty
// secret is replaced with a random one; tokens then stop verifying after
// a restart.
func NewAuthenticator(cfg *Config) (*auth.Authenticator, error) {
	if cfg.Secret == "" {
		secret, err := crypto.GenerateSecret()
		if err != nil {
			return nil, err
		}
		cfg.Secret = secret
		slog.Warn("no secret configured, generated an ephemeral one; issued tokens will not survive a restart")
	}
	return auth.New(auth.Config{
		Secret: cfg.Secret,
		Issuer: cfg.TokenIssuer,
		TTL:    cfg.TokenTTL,
	})
}

// Login upserts the external profile into the identity directory and
// mints a session token for it.
func Login(ctx context.Context, dir datastore.IdentityDirectory, a *auth.Authenticator, p Profile) (*model.User, string, error) {
	user, err := dir.UpsertFromExternalProfile(ctx, p.ExternalID, p.DisplayName, p.AvatarRef, p.Email)
	if err != nil {
		return nil, "", fmt.Errorf("login: %w", err)
	}
	token, err := a.Issue(user.ID)
	if err != nil {
		return nil, "", fmt.Errorf("login: %w", err)
	}
	return user, token, nil
}
