package mergectx

import (
	"context"
	"fmt"

	"github.com/ealebed/anubis/internal/forgeclient"
)

// BotIdentity lazily resolves the bot's committer identity once per process
// lifetime. Name is the bot's login as returned by GetUser and Email is the
// first address GetAuthenticatedEmails returns; the account's display name
// and the forge's primary-email flag are not consulted.
type BotIdentity struct {
	Login  string
	cached *forgeclient.Ident
}

// Resolve returns the cached identity, fetching it from the forge on first
// use.
func (b *BotIdentity) Resolve(ctx context.Context, fc forgeclient.ForgeClient) (forgeclient.Ident, error) {
	if b.cached != nil {
		return *b.cached, nil
	}
	user, err := fc.GetUser(ctx, b.Login)
	if err != nil {
		return forgeclient.Ident{}, fmt.Errorf("resolve bot user: %w", err)
	}
	emails, err := fc.GetAuthenticatedEmails(ctx)
	if err != nil {
		return forgeclient.Ident{}, fmt.Errorf("resolve bot email: %w", err)
	}
	if len(emails) == 0 {
		return forgeclient.Ident{}, fmt.Errorf("resolve bot email: no authenticated emails returned")
	}
	ident := forgeclient.Ident{Name: user.Login, Email: emails[0]}
	b.cached = &ident
	return ident, nil
}
